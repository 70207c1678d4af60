package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Debug      bool   `env:"DEBUG" envDefault:"false"`
	Port       string `env:"PORT" envDefault:"3000"`
	MetricPort string `env:"METRIC_PORT" envDefault:"9090"`
	Domain     string `env:"DOMAIN" envDefault:"http://localhost:3000"`
	JWTSecret  string `env:"JWT_SECRET,required"`

	// RelayURL is the websocket endpoint of the signaling relay, used by the
	// call subcommand and any embedding client.
	RelayURL  string `env:"RELAY_URL" envDefault:"ws://localhost:3000/api/v1/ws"`
	AuthToken string `env:"AUTH_TOKEN"`

	ICE      ICEConfig
	Call     CallConfig
	Postgres PostgresConfig
}

// ICEConfig is static transport configuration handed to the peer-connection
// library. The core consumes it, it never implements ICE itself.
type ICEConfig struct {
	STUNURLs          []string `env:"STUN_URLS" envDefault:"stun:stun.l.google.com:19302"`
	CandidatePoolSize uint8    `env:"ICE_CANDIDATE_POOL_SIZE" envDefault:"2"`
}

// CallConfig carries the timing knobs the state machine refuses to hardcode.
type CallConfig struct {
	// RingTimeout bounds how long an unanswered call stays in ringing before
	// it ends with reason timeout.
	RingTimeout time.Duration `env:"RING_TIMEOUT" envDefault:"30s"`

	// NegotiationRetryBudget is how many times a coordinator retries applying
	// a remote description before demoting the pair to failed.
	NegotiationRetryBudget int `env:"NEGOTIATION_RETRY_BUDGET" envDefault:"3"`

	// SignalingGracePeriod is how long a session tolerates relay outage
	// before transitioning to failed.
	SignalingGracePeriod time.Duration `env:"SIGNALING_GRACE_PERIOD" envDefault:"10s"`

	PublishRetryAttempts uint64        `env:"PUBLISH_RETRY_ATTEMPTS" envDefault:"5"`
	PublishRetryBase     time.Duration `env:"PUBLISH_RETRY_BASE" envDefault:"100ms"`
}

type PostgresConfig struct {
	URL string `env:"POSTGRES_URL"`

	Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	User     string `env:"POSTGRES_USER" envDefault:"postgres"`
	Password string `env:"POSTGRES_PASSWORD" envDefault:"postgres"`
	Name     string `env:"POSTGRES_NAME" envDefault:"peerline"`
	SSL      string `env:"POSTGRES_SSL" envDefault:"disable"`
}

func (p *PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}

	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		p.User,
		p.Password,
		p.Host,
		p.Port,
		p.Name,
		p.SSL,
	)
}

func New() (*Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return &c, nil
}
