package stratum

import (
	"context"
	"time"
)

// AuthRequest carries the credentials and connection facts handed to the
// external authorizer.
type AuthRequest struct {
	RemoteAddress string
	LocalPort     int
	WorkerName    string
	WorkerPass    string
}

// AuthResult is the authorizer's verdict.
type AuthResult struct {
	// Authorized reports whether the worker may submit shares.
	Authorized bool
	// Err, when non-nil, is echoed to the client in the authorize response.
	Err *Error
	// Disconnect forces the connection closed regardless of the
	// authorization outcome.
	Disconnect bool
}

// Authorizer verifies worker credentials. Implementations may block; the
// session awaits the call before processing further messages on that
// connection.
type Authorizer interface {
	// Authorize decides whether the worker may mine over this session.
	//
	// Parameters:
	//   - ctx: Cancelled when the session is destroyed
	//   - req: The credentials and connection facts
	//
	// Returns:
	//   - The authorization verdict
	Authorize(ctx context.Context, req AuthRequest) AuthResult
}

// SubscriptionResult is what the subscription granter assigns to a session.
type SubscriptionResult struct {
	// ExtraNonce1 is the per-session nonce-space token. Non-empty on
	// success; its presence marks the session as subscribed.
	ExtraNonce1 string
	// ExtraNonce2Size is the byte size of the per-share extranonce the
	// miner must roll.
	ExtraNonce2Size int
}

// SubscriptionGranter assigns extranonce space to subscribing sessions.
type SubscriptionGranter interface {
	// Subscribe grants a subscription to the given session.
	//
	// Parameters:
	//   - ctx: Cancelled when the session is destroyed
	//   - c: The subscribing session
	//
	// Returns:
	//   - The assigned extranonce values, or a protocol error to relay
	Subscribe(ctx context.Context, c *Client) (SubscriptionResult, *Error)
}

// Share carries the fields of a submitted candidate solution. The core does
// not interpret them.
type Share struct {
	WorkerName  string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ShareValidator judges submitted shares. The accepted result doubles as the
// validity signal for the session's ban vote.
type ShareValidator interface {
	// SubmitShare validates one share.
	//
	// Parameters:
	//   - ctx: Cancelled when the session is destroyed
	//   - c: The submitting session
	//   - share: The submitted share fields
	//
	// Returns:
	//   - true if the share was accepted
	//   - A protocol error to relay to the miner, or nil
	SubmitShare(ctx context.Context, c *Client, share Share) (bool, *Error)
}

// SessionEvents are typed notification callbacks a session invokes
// synchronously from its own goroutine. All fields are optional; nil
// callbacks are skipped. Handlers must not block for long, and must not
// call back into the session in ways that re-enter message processing.
type SessionEvents struct {
	// OnDisconnect fires exactly once when the underlying stream closes,
	// whether by the peer or by a forced destroy.
	OnDisconnect func(c *Client)
	// OnFlooded fires when the 10 KiB input buffer limit is exceeded.
	// The connection is destroyed immediately afterwards.
	OnFlooded func(c *Client)
	// OnMalformed fires when a complete line fails to parse as JSON.
	// The connection is destroyed immediately afterwards.
	OnMalformed func(c *Client, line string)
	// OnSocketError fires for socket errors other than connection resets,
	// which are swallowed.
	OnSocketError func(c *Client, err error)
	// OnTCPProxyError fires when proxy protocol is enabled but the first
	// chunk carries no PROXY preamble.
	OnTCPProxyError func(c *Client, err error)
	// OnUnknownMethod fires for unrecognized stratum methods, which are
	// otherwise ignored.
	OnUnknownMethod func(c *Client, method string)
	// OnCheckBan fires once per session after the remote address is
	// settled (following the proxy preamble when enabled), before any
	// protocol messages are processed.
	OnCheckBan func(c *Client)
	// OnTriggerBan fires when the ban vote trips. The connection is
	// destroyed immediately afterwards.
	OnTriggerBan func(c *Client, reason string)
	// OnKickedBannedIP fires when a new connection from a banned address
	// is rejected, with the remaining ban time.
	OnKickedBannedIP func(c *Client, remaining time.Duration)
	// OnForgaveBannedIP fires when a new connection finds its address's
	// ban expired and the entry is removed.
	OnForgaveBannedIP func(c *Client)
	// OnDifficultyChanged fires when a staged difficulty is applied
	// during a job send.
	OnDifficultyChanged func(c *Client, difficulty float64)
}

// ServerEvents are typed notification callbacks the server invokes for an
// external orchestrator. All fields are optional.
type ServerEvents struct {
	// OnStarted fires after every configured listener is bound.
	OnStarted func()
	// OnClientConnected fires when a session has been registered, before
	// its socket handling begins.
	OnClientConnected func(c *Client)
	// OnClientDisconnected fires after a session is removed from the
	// registry.
	OnClientDisconnected func(c *Client)
	// OnBroadcastTimeout fires when no job broadcast has happened within
	// the configured rebroadcast window.
	OnBroadcastTimeout func()
}
