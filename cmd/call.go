package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	ossignal "os/signal"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/peerline/peerline/internal/application/constant"
	"github.com/peerline/peerline/internal/domain/call"
	"github.com/peerline/peerline/internal/infra/adapters/pion"
	"github.com/peerline/peerline/internal/infra/adapters/postgres"
	"github.com/peerline/peerline/internal/infra/adapters/postgres/repository"
	"github.com/peerline/peerline/internal/infra/adapters/relay/ws"
	"github.com/peerline/peerline/internal/session"
)

var (
	callVideo      bool
	callConference bool
	callJoin       string
	callName       string
)

var callCmd = &cobra.Command{
	Use:   "call [target-user-id...]",
	Short: "Place or join a call through the signaling relay",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runCall(cmd.Context(), args); err != nil {
			slog.Error("call failed", slog.Any(constant.Error, err))
			os.Exit(1)
		}
	},
}

func init() {
	callCmd.Flags().BoolVar(&callVideo, "video", false, "place a video call")
	callCmd.Flags().BoolVar(&callConference, "conference", false, "allow more than two participants")
	callCmd.Flags().StringVar(&callJoin, "join", "", "join an ongoing conference by call id")
	callCmd.Flags().StringVar(&callName, "name", "", "display name announced to peers")

	rootCmd.AddCommand(callCmd)
}

func runCall(ctx context.Context, args []string) error {
	ctx, cancel := ossignal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	cfg, err := setup()
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	self, err := identityFromToken(cfg.AuthToken)
	if err != nil {
		return err
	}
	self.Name = callName

	relay, err := ws.Dial(ctx, cfg.RelayURL, cfg.AuthToken, cfg.Call.SignalingGracePeriod)
	if err != nil {
		return err
	}
	defer relay.Close()

	var history session.HistoryRecorder
	if cfg.Postgres.URL != "" {
		db, err := postgres.NewPostgres(ctx, cfg.Postgres.DSN())
		if err != nil {
			return err
		}
		defer db.Close()

		history = repository.NewCallRecordRepo(db)
	}

	manager := session.NewManager(cfg, self, relay, pion.NewFactory(cfg.ICE), history)

	runErr := make(chan error, 1)
	go func() {
		runErr <- manager.Run(ctx)
	}()

	go printEvents(manager.Events())

	kind := call.KindAudio
	if callVideo {
		kind = call.KindVideo
	}

	callID, err := dialOrJoin(ctx, manager, kind)
	if err != nil {
		return err
	}

	if callID == uuid.Nil && len(args) > 0 {
		targets, err := parseTargets(args)
		if err != nil {
			return err
		}

		callID, err = manager.PlaceCall(ctx, kind, callConference, targets...)
		if err != nil {
			return err
		}

		fmt.Printf("calling, call id %s\n", callID)
	}

	go readCommands(ctx, manager)

	select {
	case <-ctx.Done():
		if callID != uuid.Nil {
			hangCtx := context.Background()
			if err := manager.HangUp(hangCtx, callID); err != nil {
				slog.Debug("hang up on exit", slog.Any(constant.Error, err))
			}
		}
		return nil
	case err := <-runErr:
		return err
	}
}

func dialOrJoin(ctx context.Context, manager *session.Manager, kind call.Kind) (uuid.UUID, error) {
	if callJoin == "" {
		return uuid.Nil, nil
	}

	callID, err := uuid.Parse(callJoin)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse call id %q: %w", callJoin, err)
	}

	if err := manager.Join(ctx, callID, kind); err != nil {
		return uuid.Nil, err
	}

	fmt.Printf("joined conference %s\n", callID)

	return callID, nil
}

// identityFromToken takes the local user id from the token subject. The relay
// verifies the signature; the client only needs to know who it is.
func identityFromToken(raw string) (call.Participant, error) {
	if raw == "" {
		return call.Participant{}, fmt.Errorf("AUTH_TOKEN is required for the call subcommand")
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return call.Participant{}, fmt.Errorf("parse auth token: %w", err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return call.Participant{}, fmt.Errorf("auth token subject is not a user id: %w", err)
	}

	return call.Participant{ID: id}, nil
}

func parseTargets(args []string) ([]uuid.UUID, error) {
	targets := make([]uuid.UUID, 0, len(args))
	for _, arg := range args {
		id, err := uuid.Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("parse target %q: %w", arg, err)
		}
		targets = append(targets, id)
	}
	return targets, nil
}

func printEvents(events <-chan session.Event) {
	for ev := range events {
		line := fmt.Sprintf("call %s: %s", ev.CallID, ev.State)
		if ev.Reason != "" {
			line += " (" + string(ev.Reason) + ")"
		}
		if ev.Incoming {
			line += " [incoming: accept/reject <call-id>]"
		}
		fmt.Println(line)
	}
}

// readCommands reads accept/reject/hangup/mute lines from stdin.
func readCommands(ctx context.Context, manager *session.Manager) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		callID, err := uuid.Parse(fields[1])
		if err != nil {
			fmt.Printf("bad call id %q\n", fields[1])
			continue
		}

		switch fields[0] {
		case "accept":
			err = manager.Accept(ctx, callID)
		case "reject":
			err = manager.Reject(ctx, callID)
		case "hangup":
			err = manager.HangUp(ctx, callID)
		case "mute":
			err = manager.SetMuted(callID, true)
		case "unmute":
			err = manager.SetMuted(callID, false)
		default:
			fmt.Printf("unknown command %q\n", fields[0])
			continue
		}

		if err != nil {
			fmt.Printf("%s: %v\n", fields[0], err)
		}
	}
}
