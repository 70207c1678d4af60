package constant

// Shared slog attribute keys.
const (
	Error   = "error"
	UserID  = "user_id"
	CallID  = "call_id"
	Channel = "channel"
	PeerID  = "peer_id"
	MsgType = "msg_type"
	State   = "state"
)
