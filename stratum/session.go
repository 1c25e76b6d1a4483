package stratum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cyberinferno/go-stratum/logger"
)

const (
	// maxRequestBytes is the input accumulator limit. Exceeding it discards
	// the buffer and destroys the connection; there is no partial-flush
	// recovery.
	maxRequestBytes = 10 * 1024
	// readBufferSize is the size of the per-connection read buffer.
	readBufferSize = 4096
	// writeTimeout bounds a single outbound write so stalled clients do not
	// pin goroutines.
	writeTimeout = 10 * time.Second
	// seenSharesSize is the per-session LRU capacity for duplicate-share
	// detection.
	seenSharesSize = 512
)

// shareCounts is the sliding ban-vote tally. Both counters reset together
// when a vote window passes the invalid-percent check.
type shareCounts struct {
	valid   uint64
	invalid uint64
}

// HandoffState is the protocol state carried over from a donor session
// during a manual hand-off, so a miner keeps its extranonce space and
// difficulty without resubscribing.
type HandoffState struct {
	ExtraNonce1        string
	PreviousDifficulty float64
	Difficulty         float64
}

// clientOptions bundles everything a session needs at creation time.
type clientOptions struct {
	subscriptionID string
	conn           net.Conn
	localPort      int
	config         Config
	authorizer     Authorizer
	granter        SubscriptionGranter
	validator      ShareValidator
	events         SessionEvents
	log            logger.Logger
}

// Client is one accepted connection and its protocol state. It frames the
// inbound byte stream into newline-delimited JSON messages, dispatches them
// strictly in arrival order, and gates submissions on authorization and
// subscription state. All collaborator calls are awaited from the session's
// read goroutine, so no later message is processed while a handler for an
// earlier one is in flight.
type Client struct {
	subscriptionID string
	conn           net.Conn
	localPort      int
	config         Config
	authorizer     Authorizer
	granter        SubscriptionGranter
	validator      ShareValidator
	events         SessionEvents
	log            logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	remoteAddress      string
	extraNonce1        string
	authorized         bool
	workerName         string
	workerPass         string
	requestedSubBefore bool
	difficulty         float64
	previousDifficulty float64
	pendingDifficulty  *float64
	lastActivity       time.Time
	shares             shareCounts

	seenShares *lru.Cache[string, struct{}]

	writeMu        sync.Mutex
	destroyed      atomic.Bool
	disconnectOnce sync.Once
}

// newClient creates a session bound to the given connection. The socket is
// not touched until Start is called, so callers can finish wiring first.
func newClient(opts clientOptions) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	seen, _ := lru.New[string, struct{}](seenSharesSize)

	remote := opts.conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}

	return &Client{
		subscriptionID: opts.subscriptionID,
		conn:           opts.conn,
		localPort:      opts.localPort,
		config:         opts.config,
		authorizer:     opts.authorizer,
		granter:        opts.granter,
		validator:      opts.validator,
		events:         opts.events,
		log:            opts.log.With(logger.Field{Key: "sid", Value: opts.subscriptionID}),
		ctx:            ctx,
		cancel:         cancel,
		remoteAddress:  remote,
		lastActivity:   time.Now(),
		seenShares:     seen,
	}
}

// Start begins socket handling for the session: the optional proxy-protocol
// preamble, the setup-time ban check, and the framing read loop. It must be
// called exactly once, after all event wiring is complete.
func (c *Client) Start() {
	go c.readLoop()
}

// SubscriptionID returns the session's unique registry key.
func (c *Client) SubscriptionID() string {
	return c.subscriptionID
}

// RemoteAddress returns the session's remote IP address. When proxy
// protocol is enabled this is the address extracted from the preamble.
func (c *Client) RemoteAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddress
}

// LocalPort returns the port the miner connected to.
func (c *Client) LocalPort() int {
	return c.localPort
}

// Authorized reports whether the session has passed worker authorization.
func (c *Client) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// Subscribed reports whether the session holds an extranonce1 token.
func (c *Client) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extraNonce1 != ""
}

// ExtraNonce1 returns the session's extranonce1 token, or "" when the
// session is not subscribed.
func (c *Client) ExtraNonce1() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extraNonce1
}

// WorkerName returns the worker name set on authorize.
func (c *Client) WorkerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerName
}

// WorkerPass returns the worker password set on authorize.
func (c *Client) WorkerPass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerPass
}

// Difficulty returns the session's current share difficulty.
func (c *Client) Difficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.difficulty
}

// PreviousDifficulty returns the difficulty in force before the last change.
func (c *Client) PreviousDifficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousDifficulty
}

// LastActivity returns the time of the session's last submit. The core does
// not enforce Config.ConnectionTimeout; orchestrators compare it against
// this value.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Shares returns the session's current ban-vote tally. The counters reset
// whenever a vote window passes the invalid-percent check.
func (c *Client) Shares() (valid, invalid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shares.valid, c.shares.invalid
}

// RequestedSubscriptionBeforeAuth reports whether the miner subscribed
// before authorizing. Informational only.
func (c *Client) RequestedSubscriptionBeforeAuth() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestedSubBefore
}

// Destroy forcibly closes the session. Any in-flight collaborator call is
// abandoned via context cancellation; there is no graceful drain. Safe to
// call multiple times and from any goroutine.
func (c *Client) Destroy() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}

	c.cancel()
	_ = c.conn.Close()
}

// isDestroyed reports whether the session has been destroyed.
func (c *Client) isDestroyed() bool {
	return c.destroyed.Load()
}

// readLoop reads inbound chunks, applies the optional proxy preamble and
// the flood guard, reassembles newline-terminated messages, and dispatches
// them in arrival order. It runs in its own goroutine until the connection
// closes.
func (c *Client) readLoop() {
	defer c.fireDisconnect()

	if !c.config.TCPProxyProtocol {
		c.emitCheckBan()
		if c.isDestroyed() {
			return
		}
	}

	buf := make([]byte, readBufferSize)
	var acc []byte
	firstChunk := c.config.TCPProxyProtocol

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			c.handleReadError(err)
			return
		}
		if n == 0 {
			continue
		}

		chunk := buf[:n]
		if firstChunk {
			firstChunk = false
			chunk = c.handleProxyPreamble(chunk)
			c.emitCheckBan()
			if c.isDestroyed() {
				return
			}
		}

		acc = append(acc, chunk...)
		if len(acc) > maxRequestBytes {
			acc = nil
			recordFlood()
			c.log.Warn("input buffer exceeded limit, closing connection",
				logger.Field{Key: "remoteAddress", Value: c.RemoteAddress()})
			if c.events.OnFlooded != nil {
				c.events.OnFlooded(c)
			}
			c.Destroy()
			return
		}

		for {
			idx := bytes.IndexByte(acc, '\n')
			if idx < 0 {
				break
			}

			line := acc[:idx]
			acc = acc[idx+1:]
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			if !c.handleLine(line) {
				return
			}
		}
	}
}

// handleProxyPreamble inspects the first inbound chunk for a PROXY
// protocol header. On a valid header the source address (the second field
// after the PROXY token) overwrites the session's remote address and the
// header line is stripped from the chunk; otherwise a tcpProxyError is
// reported and the chunk passes through untouched.
func (c *Client) handleProxyPreamble(chunk []byte) []byte {
	if !bytes.HasPrefix(chunk, []byte("PROXY")) {
		if c.events.OnTCPProxyError != nil {
			c.events.OnTCPProxyError(c, fmt.Errorf("expected PROXY preamble, got %q", firstBytes(chunk, 16)))
		}
		return chunk
	}

	line, rest, _ := bytes.Cut(chunk, []byte{'\n'})
	fields := strings.Fields(string(line))
	if len(fields) < 3 {
		if c.events.OnTCPProxyError != nil {
			c.events.OnTCPProxyError(c, fmt.Errorf("short PROXY header %q", string(line)))
		}
		return rest
	}

	c.mu.Lock()
	c.remoteAddress = fields[2]
	c.mu.Unlock()
	c.log.Debug("proxy protocol address applied",
		logger.Field{Key: "remoteAddress", Value: fields[2]})

	return rest
}

// firstBytes returns at most n leading bytes of b, for error messages.
func firstBytes(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// emitCheckBan fires the setup-time ban check exactly once per session,
// after the remote address is settled.
func (c *Client) emitCheckBan() {
	if c.events.OnCheckBan != nil {
		c.events.OnCheckBan(c)
	}
}

// handleReadError classifies a read failure. EOF, closed-connection and
// reset errors are swallowed; anything else is surfaced to the collaborator.
func (c *Client) handleReadError(err error) {
	defer c.Destroy()

	if errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) {
		return
	}

	if !c.isDestroyed() && c.events.OnSocketError != nil {
		c.events.OnSocketError(c, err)
	}
}

// fireDisconnect reports the session's disconnect signal exactly once.
func (c *Client) fireDisconnect() {
	c.Destroy()
	c.disconnectOnce.Do(func() {
		if c.events.OnDisconnect != nil {
			c.events.OnDisconnect(c)
		}
	})
}

// handleLine parses one complete message and dispatches it. Returns false
// when the connection has been destroyed and reading must stop.
func (c *Client) handleLine(line []byte) bool {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		recordMalformed()
		c.log.Warn("malformed message, closing connection",
			logger.Field{Key: "message", Value: string(firstBytes(line, 64))})
		if c.events.OnMalformed != nil {
			c.events.OnMalformed(c, string(line))
		}
		c.Destroy()
		return false
	}

	c.handleMessage(req)
	return !c.isDestroyed()
}

// handleMessage routes a parsed request by its method field.
func (c *Client) handleMessage(req request) {
	switch req.Method {
	case "mining.subscribe":
		c.handleSubscribe(req)
	case "mining.authorize":
		params := req.positional()
		c.authorize(req.ID, stringParam(params, 0), stringParam(params, 1), true)
	case "mining.submit":
		c.handleSubmit(req)
	case "mining.get_transactions":
		_ = c.sendJSON(response{ID: req.ID, Result: []interface{}{}, Error: true})
	case "mining.extranonce.subscribe":
		_ = c.sendJSON(response{ID: req.ID, Result: true, Error: nil})
	default:
		c.log.Debug("unknown stratum method", logger.Field{Key: "method", Value: req.Method})
		if c.events.OnUnknownMethod != nil {
			c.events.OnUnknownMethod(c, req.Method)
		}
	}
}

// handleSubscribe awaits the subscription granter and, on success, stores
// the assigned extranonce1 and replies with the session's notification
// channels keyed by its subscription id.
func (c *Client) handleSubscribe(req request) {
	c.mu.Lock()
	if !c.authorized {
		c.requestedSubBefore = true
	}
	c.mu.Unlock()

	result, serr := c.granter.Subscribe(c.ctx, c)
	if serr != nil {
		_ = c.sendJSON(response{ID: req.ID, Result: nil, Error: serr})
		return
	}

	c.mu.Lock()
	c.extraNonce1 = result.ExtraNonce1
	c.mu.Unlock()

	_ = c.sendJSON(response{
		ID: req.ID,
		Result: []interface{}{
			[]interface{}{
				[]interface{}{"mining.set_difficulty", c.subscriptionID},
				[]interface{}{"mining.notify", c.subscriptionID},
			},
			result.ExtraNonce1,
			result.ExtraNonce2Size,
		},
		Error: nil,
	})
}

// authorize runs the external authorizer for the given credentials. In
// reply mode a response echoing the outcome is written; silent mode is used
// by the manual hand-off flow. A disconnect verdict destroys the connection
// regardless of the authorization outcome.
func (c *Client) authorize(id interface{}, name, pass string, sendReply bool) {
	c.mu.Lock()
	c.workerName = name
	c.workerPass = pass
	c.mu.Unlock()

	result := c.authorizer.Authorize(c.ctx, AuthRequest{
		RemoteAddress: c.RemoteAddress(),
		LocalPort:     c.localPort,
		WorkerName:    name,
		WorkerPass:    pass,
	})

	authorized := result.Authorized && result.Err == nil
	c.mu.Lock()
	c.authorized = authorized
	c.mu.Unlock()

	if sendReply {
		var errField interface{}
		if result.Err != nil {
			errField = result.Err
		}
		_ = c.sendJSON(response{ID: id, Result: authorized, Error: errField})
	}

	c.log.Debug("worker authorization finished",
		logger.Field{Key: "workerName", Value: name},
		logger.Field{Key: "authorized", Value: authorized})

	if result.Disconnect {
		c.log.Info("authorizer requested disconnect",
			logger.Field{Key: "workerName", Value: name})
		c.Destroy()
	}
}

// ManuallyAuthorize runs the authorize flow in silent mode (no reply is
// written). Used by the server's manual hand-off to carry credentials over
// to a replacement session.
func (c *Client) ManuallyAuthorize(name, pass string) {
	c.authorize(nil, name, pass, false)
}

// ManuallySetValues copies donor protocol state onto this session.
func (c *Client) ManuallySetValues(state HandoffState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extraNonce1 = state.ExtraNonce1
	c.previousDifficulty = state.PreviousDifficulty
	c.difficulty = state.Difficulty
}

// handleSubmit refreshes activity, checks the authorization and
// subscription preconditions, filters duplicates, then awaits the external
// share validator. Each precondition failure counts one invalid ban vote.
// When the vote bans the session the response is suppressed since the
// socket is already being torn down.
func (c *Client) handleSubmit(req request) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	authorized := c.authorized
	subscribed := c.extraNonce1 != ""
	c.mu.Unlock()

	if !authorized {
		recordShare("rejected")
		_ = c.sendJSON(response{ID: req.ID, Result: nil, Error: ErrUnauthorizedWorker})
		c.considerBan(false)
		return
	}

	if !subscribed {
		recordShare("rejected")
		_ = c.sendJSON(response{ID: req.ID, Result: nil, Error: ErrNotSubscribed})
		c.considerBan(false)
		return
	}

	params := req.positional()
	share := Share{
		WorkerName:  stringParam(params, 0),
		JobID:       stringParam(params, 1),
		ExtraNonce2: stringParam(params, 2),
		NTime:       stringParam(params, 3),
		Nonce:       stringParam(params, 4),
	}

	dupKey := share.JobID + ":" + share.ExtraNonce2 + ":" + share.NTime + ":" + share.Nonce
	if _, seen := c.seenShares.Get(dupKey); seen {
		recordShare("rejected")
		c.log.Debug("duplicate share rejected",
			logger.Field{Key: "workerName", Value: share.WorkerName},
			logger.Field{Key: "jobId", Value: share.JobID})
		_ = c.sendJSON(response{ID: req.ID, Result: nil, Error: ErrDuplicateShare})
		c.considerBan(false)
		return
	}
	c.seenShares.Add(dupKey, struct{}{})

	accepted, serr := c.validator.SubmitShare(c.ctx, c, share)
	if accepted {
		recordShare("valid")
	} else {
		recordShare("invalid")
	}

	if c.considerBan(accepted) {
		return
	}

	var errField interface{}
	if serr != nil {
		errField = serr
	}
	_ = c.sendJSON(response{ID: req.ID, Result: accepted, Error: errField})
}

// considerBan records one share validity vote and evaluates the ban
// threshold. When the window's invalid percentage stays below the limit
// both counters reset and the grace period renews; otherwise the ban is
// triggered and the socket destroyed. Returns true when the session was
// banned. No-op while banning is disabled.
func (c *Client) considerBan(validShare bool) bool {
	if !c.config.Banning.Enabled {
		return false
	}

	c.mu.Lock()
	if validShare {
		c.shares.valid++
	} else {
		c.shares.invalid++
	}

	total := c.shares.valid + c.shares.invalid
	if total < c.config.Banning.CheckThreshold {
		c.mu.Unlock()
		return false
	}

	percentBad := float64(c.shares.invalid) / float64(total) * 100
	if percentBad < c.config.Banning.InvalidPercent {
		c.shares = shareCounts{}
		c.mu.Unlock()
		return false
	}

	reason := fmt.Sprintf("%d out of the last %d shares were invalid", c.shares.invalid, total)
	c.mu.Unlock()

	c.log.Warn("banning miner for excessive invalid shares",
		logger.Field{Key: "remoteAddress", Value: c.RemoteAddress()},
		logger.Field{Key: "reason", Value: reason})
	if c.events.OnTriggerBan != nil {
		c.events.OnTriggerBan(c, reason)
	}
	c.Destroy()

	return true
}

// SendDifficulty pushes a new share difficulty to the miner. Sending the
// current difficulty again is a no-op returning false, so redundant wire
// traffic is avoided.
//
// Parameters:
//   - difficulty: The new share difficulty
//
// Returns:
//   - true if a set_difficulty notification was sent
func (c *Client) SendDifficulty(difficulty float64) bool {
	c.mu.Lock()
	if difficulty == c.difficulty {
		c.mu.Unlock()
		return false
	}

	c.previousDifficulty = c.difficulty
	c.difficulty = difficulty
	c.mu.Unlock()

	_ = c.sendJSON(notification{
		Method: "mining.set_difficulty",
		Params: []interface{}{difficulty},
	})

	return true
}

// EnqueueNextDifficulty stages a difficulty to be applied just before the
// next job send, so the miner switches difficulty and work together.
//
// Parameters:
//   - difficulty: The difficulty to apply on the next SendMiningJob
func (c *Client) EnqueueNextDifficulty(difficulty float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingDifficulty = &difficulty
}

// SendMiningJob applies any staged difficulty, then pushes a mining.notify
// notification with the given opaque job parameters.
//
// Parameters:
//   - jobParams: The job payload, owned by the external collaborator
//
// Returns:
//   - An error if writing to the connection failed
func (c *Client) SendMiningJob(jobParams interface{}) error {
	c.mu.Lock()
	pending := c.pendingDifficulty
	c.pendingDifficulty = nil
	c.mu.Unlock()

	if pending != nil {
		if c.SendDifficulty(*pending) && c.events.OnDifficultyChanged != nil {
			c.events.OnDifficultyChanged(c, *pending)
		}
	}

	return c.sendJSON(notification{
		Method: "mining.notify",
		Params: jobParams,
	})
}

// sendJSON writes each value as a newline-terminated JSON object in one
// write. Writes are serialized and bounded by a deadline; a write failure
// destroys the connection.
func (c *Client) sendJSON(values ...interface{}) error {
	var out bytes.Buffer
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode message: %w", err)
		}

		out.Write(data)
		out.WriteByte('\n')
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(out.Bytes())
	_ = c.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		if !c.isDestroyed() &&
			!errors.Is(err, net.ErrClosed) &&
			!errors.Is(err, syscall.ECONNRESET) &&
			c.events.OnSocketError != nil {
			c.events.OnSocketError(c, err)
		}
		c.Destroy()
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}
