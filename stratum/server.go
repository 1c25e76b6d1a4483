package stratum

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-stratum/banstore"
	"github.com/cyberinferno/go-stratum/idgenerator"
	"github.com/cyberinferno/go-stratum/logger"
	"github.com/cyberinferno/go-stratum/safemap"
)

// ServerOptions wires a Server to its external collaborators.
type ServerOptions struct {
	// Config holds the server configuration.
	Config Config
	// Authorizer verifies worker credentials. Required.
	Authorizer Authorizer
	// Subscriptions grants extranonce space on subscribe. Required.
	Subscriptions SubscriptionGranter
	// Shares validates submitted shares. Required.
	Shares ShareValidator
	// Bans is the banned-IP store. Defaults to an in-memory store with
	// the configured ban duration.
	Bans banstore.Store
	// Logger receives structured logs. Defaults to a no-op logger.
	Logger logger.Logger
	// Events are optional orchestrator notifications.
	Events ServerEvents
	// SessionEvents are optional per-session notifications, invoked in
	// addition to the server's own wiring.
	SessionEvents SessionEvents
}

// Server accepts stratum connections on the configured ports, owns the
// registry of active sessions keyed by subscription id, owns the banned-IP
// store with periodic purge, and broadcasts job updates to all sessions
// under a rebroadcast-timeout watchdog.
type Server struct {
	config        Config
	authorizer    Authorizer
	granter       SubscriptionGranter
	validator     ShareValidator
	bans          banstore.Store
	log           logger.Logger
	events        ServerEvents
	sessionEvents SessionEvents

	clients    *safemap.SafeMap[string, *Client]
	subCounter *idgenerator.SubscriptionCounter

	listenersMu sync.Mutex
	listeners   []net.Listener

	running     atomic.Bool
	activeConns atomic.Int64

	rebroadcastMu    sync.Mutex
	rebroadcastTimer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a stratum server from the given options. The server
// does not listen until Start is called.
//
// Parameters:
//   - opts: Configuration and collaborator wiring
//
// Returns:
//   - A new Server, or an error when a required collaborator is missing
//     or no ports are configured
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Authorizer == nil {
		return nil, fmt.Errorf("stratum server requires an authorizer")
	}
	if opts.Subscriptions == nil {
		return nil, fmt.Errorf("stratum server requires a subscription granter")
	}
	if opts.Shares == nil {
		return nil, fmt.Errorf("stratum server requires a share validator")
	}
	if len(opts.Config.Ports) == 0 {
		return nil, fmt.Errorf("stratum server requires at least one port")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	bans := opts.Bans
	if bans == nil {
		bans = banstore.NewMemoryStore(opts.Config.Banning.Time)
	}

	if opts.Config.MetricsEnabled {
		metricsEnabled.Store(true)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:        opts.Config,
		authorizer:    opts.Authorizer,
		granter:       opts.Subscriptions,
		validator:     opts.Shares,
		bans:          bans,
		log:           log,
		events:        opts.Events,
		sessionEvents: opts.SessionEvents,
		clients:       safemap.NewSafeMap[string, *Client](),
		subCounter:    idgenerator.NewSubscriptionCounter(0),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start binds one listener per configured port, launches their accept
// loops and the ban purge sweep, and reports started. It is safe to call
// only when the server is not already running.
//
// Returns:
//   - An error if the server is already running or any port fails to bind
func (s *Server) Start() error {
	if s.running.Load() {
		s.log.Error("stratum server already running")
		return fmt.Errorf("stratum server already running")
	}

	ports := make([]int, 0, len(s.config.Ports))
	for port := range s.config.Ports {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	listeners := make([]net.Listener, len(ports))
	var g errgroup.Group
	for i, port := range ports {
		i, port := i, port
		g.Go(func() error {
			ln, err := s.listen(port, s.config.Ports[port])
			if err != nil {
				return err
			}

			listeners[i] = ln
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, ln := range listeners {
			if ln != nil {
				_ = ln.Close()
			}
		}
		return fmt.Errorf("stratum server failed to start: %w", err)
	}

	s.listenersMu.Lock()
	s.listeners = listeners
	s.listenersMu.Unlock()
	s.running.Store(true)

	for i, port := range ports {
		ln := listeners[i]
		port := port
		s.log.Info("stratum listener started",
			logger.Field{Key: "addr", Value: ln.Addr().String()})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(ln, port)
		}()
	}

	if s.config.Banning.Enabled && s.config.Banning.PurgeInterval > 0 {
		s.wg.Add(1)
		go s.purgeLoop()
	}

	if s.events.OnStarted != nil {
		s.events.OnStarted()
	}

	return nil
}

// listen opens a plain or TLS listener for one configured port.
func (s *Server) listen(port int, pc PortConfig) (net.Listener, error) {
	addr := fmt.Sprintf(":%d", port)
	if !pc.TLS {
		return net.Listen("tcp", addr)
	}

	cert, err := tls.LoadX509KeyPair(pc.CertFile, pc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair for port %d: %w", port, err)
	}

	return tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
}

// Stop stops the server: it closes all listeners, cancels background
// tasks, and destroys all active sessions. Safe to call when the server is
// not running.
func (s *Server) Stop() {
	if !s.running.Load() {
		s.log.Info("stratum server not running")
		return
	}

	s.running.Store(false)
	s.cancel()

	s.listenersMu.Lock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
	s.listenersMu.Unlock()

	s.rebroadcastMu.Lock()
	if s.rebroadcastTimer != nil {
		s.rebroadcastTimer.Stop()
		s.rebroadcastTimer = nil
	}
	s.rebroadcastMu.Unlock()

	// An accept loop may still be registering a connection it pulled off a
	// listener before the close; sweep only after all loops have exited.
	s.wg.Wait()
	for _, c := range s.clients.Snapshot() {
		c.Destroy()
	}

	s.log.Info("stratum server stopped")
}

// ClientCount returns the number of registered sessions.
func (s *Server) ClientCount() int {
	return s.clients.Len()
}

// GetClient returns the session registered under the given subscription id.
//
// Parameters:
//   - subscriptionID: The registry key to look up
//
// Returns:
//   - The session and true if found, or nil and false otherwise
func (s *Server) GetClient(subscriptionID string) (*Client, bool) {
	return s.clients.Load(subscriptionID)
}

// acceptLoop accepts connections on one listener until the server stops.
func (s *Server) acceptLoop(ln net.Listener, port int) {
	for s.running.Load() {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}

			s.log.Error("stratum accept error", logger.Field{Key: "error", Value: err})
			continue
		}

		if s.config.MaxConnections > 0 && s.activeConns.Load() >= int64(s.config.MaxConnections) {
			s.log.Warn("connection limit reached, rejecting connection",
				logger.Field{Key: "max", Value: s.config.MaxConnections},
				logger.Field{Key: "remoteAddr", Value: conn.RemoteAddr().String()})
			_ = conn.Close()
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(10 * time.Minute)
		}

		s.handleNewClient(conn, port)
	}
}

// handleNewClient registers a new session for an accepted connection and
// begins its socket handling, in that order, so wiring is complete before
// any bytes are processed.
//
// Parameters:
//   - conn: The accepted connection
//   - port: The local port the miner connected to
//
// Returns:
//   - The new session's subscription id
func (s *Server) handleNewClient(conn net.Conn, port int) string {
	client := s.registerClient(conn, port)
	client.Start()
	return client.SubscriptionID()
}

// registerClient wraps a connection in a new session bound to a freshly
// generated subscription id, registers it, reports it connected, and wires
// its signals. The session's socket is not read until the caller invokes
// Start, so hand-off state can be applied first.
func (s *Server) registerClient(conn net.Conn, port int) *Client {
	subID := s.subCounter.Next()
	client := newClient(clientOptions{
		subscriptionID: subID,
		conn:           conn,
		localPort:      port,
		config:         s.config,
		authorizer:     s.authorizer,
		granter:        s.granter,
		validator:      s.validator,
		events:         s.wireSessionEvents(),
		log:            s.log,
	})

	s.clients.Store(subID, client)
	s.activeConns.Add(1)
	recordConnectionAccepted()
	s.log.Debug("client connected",
		logger.Field{Key: "sid", Value: subID},
		logger.Field{Key: "remoteAddress", Value: client.RemoteAddress()},
		logger.Field{Key: "port", Value: port})

	if s.events.OnClientConnected != nil {
		s.events.OnClientConnected(client)
	}

	return client
}

// wireSessionEvents composes the server's own signal handling with the
// externally supplied session events. The server consumes disconnect
// (registry removal), checkBan (setup-time IP check), and triggerBan
// (banned-set insert); everything else is forwarded only.
func (s *Server) wireSessionEvents() SessionEvents {
	ext := s.sessionEvents

	return SessionEvents{
		OnDisconnect: func(c *Client) {
			s.removeClient(c)
			if ext.OnDisconnect != nil {
				ext.OnDisconnect(c)
			}
		},
		OnCheckBan: func(c *Client) {
			s.checkBan(c)
			if ext.OnCheckBan != nil {
				ext.OnCheckBan(c)
			}
		},
		OnTriggerBan: func(c *Client, reason string) {
			s.addBan(c, reason)
			if ext.OnTriggerBan != nil {
				ext.OnTriggerBan(c, reason)
			}
		},
		OnFlooded:           ext.OnFlooded,
		OnMalformed:         ext.OnMalformed,
		OnSocketError:       ext.OnSocketError,
		OnTCPProxyError:     ext.OnTCPProxyError,
		OnUnknownMethod:     ext.OnUnknownMethod,
		OnKickedBannedIP:    ext.OnKickedBannedIP,
		OnForgaveBannedIP:   ext.OnForgaveBannedIP,
		OnDifficultyChanged: ext.OnDifficultyChanged,
	}
}

// removeClient takes the disconnecting session out of the registry, using
// the triggering session's own id. Removal happens exactly once since the
// disconnect signal fires exactly once.
func (s *Server) removeClient(c *Client) {
	s.activeConns.Add(-1)
	recordConnectionClosed()
	s.clients.Delete(c.SubscriptionID())
	s.log.Debug("client disconnected",
		logger.Field{Key: "sid", Value: c.SubscriptionID()},
		logger.Field{Key: "remoteAddress", Value: c.RemoteAddress()})

	if s.events.OnClientDisconnected != nil {
		s.events.OnClientDisconnected(c)
	}
}

// checkBan applies the setup-time IP ban check to a new session. A session
// already connected when its address is banned is not kicked mid-session;
// the check runs once per connection.
func (s *Server) checkBan(c *Client) {
	if !s.config.Banning.Enabled {
		return
	}

	addr := c.RemoteAddress()
	check, err := s.bans.Check(s.ctx, addr)
	if err != nil {
		s.log.Error("ban check failed",
			logger.Field{Key: "remoteAddress", Value: addr},
			logger.Field{Key: "error", Value: err})
		return
	}

	switch check.Status {
	case banstore.StatusBanned:
		s.log.Info("kicked banned miner",
			logger.Field{Key: "remoteAddress", Value: addr},
			logger.Field{Key: "remaining", Value: check.Remaining.Seconds()})
		c.Destroy()
		if s.sessionEvents.OnKickedBannedIP != nil {
			s.sessionEvents.OnKickedBannedIP(c, check.Remaining)
		}
	case banstore.StatusExpired:
		if err := s.bans.Forgive(s.ctx, addr); err != nil {
			s.log.Error("ban forgive failed",
				logger.Field{Key: "remoteAddress", Value: addr},
				logger.Field{Key: "error", Value: err})
			return
		}

		s.log.Info("forgave banned miner", logger.Field{Key: "remoteAddress", Value: addr})
		if s.sessionEvents.OnForgaveBannedIP != nil {
			s.sessionEvents.OnForgaveBannedIP(c)
		}
	}
}

// addBan records the session's address in the banned set after its ban
// vote tripped.
func (s *Server) addBan(c *Client, reason string) {
	addr := c.RemoteAddress()
	if err := s.bans.Ban(s.ctx, addr); err != nil {
		s.log.Error("failed to record ban",
			logger.Field{Key: "remoteAddress", Value: addr},
			logger.Field{Key: "error", Value: err})
		return
	}

	recordBan()
	s.log.Warn("banned miner IP",
		logger.Field{Key: "remoteAddress", Value: addr},
		logger.Field{Key: "reason", Value: reason})
}

// purgeLoop periodically sweeps expired entries out of the banned-IP
// store, bounding memory independent of ban-check traffic. One instance
// runs per server.
func (s *Server) purgeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Banning.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			purged, err := s.bans.Purge(s.ctx)
			if err != nil {
				s.log.Error("ban purge failed", logger.Field{Key: "error", Value: err})
				continue
			}

			if purged > 0 {
				s.log.Debug("purged expired bans", logger.Field{Key: "count", Value: purged})
			}
		}
	}
}

// BroadcastMiningJobs pushes the opaque job payload to every registered
// session over a point-in-time snapshot of the registry, then re-arms the
// shared rebroadcast watchdog: if no further broadcast happens within the
// configured window, the broadcast-timeout event fires so an orchestrator
// can force a rebroadcast. Miners disconnect from pools they perceive as
// idle, which this guards against.
//
// Parameters:
//   - jobParams: The job payload, owned by the external collaborator
func (s *Server) BroadcastMiningJobs(jobParams interface{}) {
	clients := s.clients.Snapshot()
	for _, c := range clients {
		_ = c.SendMiningJob(jobParams)
	}

	recordBroadcast()
	s.log.Debug("broadcast mining jobs", logger.Field{Key: "miners", Value: len(clients)})

	if s.config.JobRebroadcastTimeout <= 0 {
		return
	}

	s.rebroadcastMu.Lock()
	defer s.rebroadcastMu.Unlock()

	if s.rebroadcastTimer != nil {
		s.rebroadcastTimer.Stop()
	}

	s.rebroadcastTimer = time.AfterFunc(s.config.JobRebroadcastTimeout, func() {
		s.log.Warn("no broadcast within rebroadcast window")
		if s.events.OnBroadcastTimeout != nil {
			s.events.OnBroadcastTimeout()
		}
	})
}

// HandoffClient describes an already-open connection supplied for a manual
// session hand-off, with the credentials and donor state to carry over.
type HandoffClient struct {
	// Conn is the externally supplied open connection.
	Conn net.Conn
	// LocalPort is the port the connection belongs to.
	LocalPort int
	// WorkerName and WorkerPass are silently authorized on the new session.
	WorkerName string
	WorkerPass string
	// State is the donor session's protocol state.
	State HandoffState
}

// ManuallyAddStratumClient runs the normal register flow for an externally
// supplied socket, silently authorizes it, and copies over the donor's
// extranonce and difficulty state, preserving protocol state across an
// internal reconnect without forcing the miner to resubscribe. Socket
// handling begins only after the carried state is in place, so messages
// already pending on the socket are dispatched against it.
//
// Parameters:
//   - h: The connection, credentials and donor state
//
// Returns:
//   - The new session's subscription id
func (s *Server) ManuallyAddStratumClient(h HandoffClient) string {
	client := s.registerClient(h.Conn, h.LocalPort)
	client.ManuallyAuthorize(h.WorkerName, h.WorkerPass)
	client.ManuallySetValues(h.State)
	client.Start()

	return client.SubscriptionID()
}
