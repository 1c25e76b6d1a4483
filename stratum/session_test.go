package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-stratum/logger"
)

type stubAuthorizer struct {
	mu     sync.Mutex
	result AuthResult
	last   AuthRequest
}

func (a *stubAuthorizer) Authorize(_ context.Context, req AuthRequest) AuthResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = req
	return a.result
}

func (a *stubAuthorizer) lastRequest() AuthRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

type stubGranter struct {
	result SubscriptionResult
	err    *Error
}

func (g *stubGranter) Subscribe(context.Context, *Client) (SubscriptionResult, *Error) {
	return g.result, g.err
}

type stubValidator struct {
	fn func(share Share) (bool, *Error)
}

func (v *stubValidator) SubmitShare(_ context.Context, _ *Client, share Share) (bool, *Error) {
	if v.fn == nil {
		return true, nil
	}
	return v.fn(share)
}

// sessionHarness drives one Client over an in-memory pipe, playing the
// miner's side of the connection.
type sessionHarness struct {
	client    *Client
	miner     net.Conn
	reader    *bufio.Reader
	auth      *stubAuthorizer
	granter   *stubGranter
	validator *stubValidator
}

func newSessionHarness(t *testing.T, config Config, events SessionEvents) *sessionHarness {
	t.Helper()

	serverSide, minerSide := net.Pipe()
	t.Cleanup(func() {
		_ = minerSide.Close()
	})

	h := &sessionHarness{
		miner:  minerSide,
		reader: bufio.NewReader(minerSide),
		auth:   &stubAuthorizer{result: AuthResult{Authorized: true}},
		granter: &stubGranter{result: SubscriptionResult{
			ExtraNonce1:     "a1b2c3d4",
			ExtraNonce2Size: 4,
		}},
		validator: &stubValidator{},
	}

	h.client = newClient(clientOptions{
		subscriptionID: "deadbeefcafebabe0100000000000000",
		conn:           serverSide,
		localPort:      3333,
		config:         config,
		authorizer:     h.auth,
		granter:        h.granter,
		validator:      h.validator,
		events:         events,
		log:            logger.NewNopLogger(),
	})
	t.Cleanup(h.client.Destroy)
	h.client.Start()

	return h
}

func (h *sessionHarness) send(t *testing.T, line string) {
	t.Helper()
	_ = h.miner.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := h.miner.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (h *sessionHarness) readReply(t *testing.T) map[string]interface{} {
	t.Helper()
	_ = h.miner.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := h.reader.ReadString('\n')
	require.NoError(t, err)

	var reply map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &reply))
	return reply
}

// errorCode digs the numeric code out of a [code, message, null] triple.
func errorCode(t *testing.T, reply map[string]interface{}) int {
	t.Helper()
	triple, ok := reply["error"].([]interface{})
	require.True(t, ok, "expected error triple, got %v", reply["error"])
	require.Len(t, triple, 3)
	return int(triple[0].(float64))
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func testConfig() Config {
	config := DefaultConfig(3333)
	config.Banning.Enabled = false
	return config
}

func TestClientSubscribe(t *testing.T) {
	t.Run("grants extranonce and replies with notification channels", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		h.send(t, `{"id":1,"method":"mining.subscribe","params":[]}`)
		reply := h.readReply(t)

		assert.Equal(t, float64(1), reply["id"])
		assert.Nil(t, reply["error"])

		result, ok := reply["result"].([]interface{})
		require.True(t, ok)
		require.Len(t, result, 3)
		assert.Equal(t, "a1b2c3d4", result[1])
		assert.Equal(t, float64(4), result[2])

		channels, ok := result[0].([]interface{})
		require.True(t, ok)
		require.Len(t, channels, 2)
		setDiff := channels[0].([]interface{})
		assert.Equal(t, "mining.set_difficulty", setDiff[0])
		assert.Equal(t, h.client.SubscriptionID(), setDiff[1])
		notify := channels[1].([]interface{})
		assert.Equal(t, "mining.notify", notify[0])
		assert.Equal(t, h.client.SubscriptionID(), notify[1])

		assert.True(t, h.client.Subscribed())
		assert.Equal(t, "a1b2c3d4", h.client.ExtraNonce1())
		assert.True(t, h.client.RequestedSubscriptionBeforeAuth())
	})

	t.Run("relays granter error and stays unsubscribed", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})
		h.granter.err = ErrOther

		h.send(t, `{"id":1,"method":"mining.subscribe","params":[]}`)
		reply := h.readReply(t)

		assert.Nil(t, reply["result"])
		assert.Equal(t, 20, errorCode(t, reply))
		assert.False(t, h.client.Subscribed())
	})
}

func TestClientAuthorize(t *testing.T) {
	t.Run("marks session authorized and echoes verdict", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		h.send(t, `{"id":2,"method":"mining.authorize","params":["worker1","x"]}`)
		reply := h.readReply(t)

		assert.Equal(t, float64(2), reply["id"])
		assert.Equal(t, true, reply["result"])
		assert.Nil(t, reply["error"])
		assert.True(t, h.client.Authorized())
		assert.Equal(t, "worker1", h.client.WorkerName())
		assert.Equal(t, "x", h.client.WorkerPass())

		req := h.auth.lastRequest()
		assert.Equal(t, 3333, req.LocalPort)
		assert.Equal(t, "worker1", req.WorkerName)
	})

	t.Run("relays authorizer error on rejection", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})
		h.auth.result = AuthResult{Authorized: false, Err: ErrUnauthorizedWorker}

		h.send(t, `{"id":2,"method":"mining.authorize","params":["worker1","x"]}`)
		reply := h.readReply(t)

		assert.Equal(t, false, reply["result"])
		assert.Equal(t, 24, errorCode(t, reply))
		assert.False(t, h.client.Authorized())
	})

	t.Run("disconnect verdict closes the connection", func(t *testing.T) {
		disconnected := make(chan struct{})
		h := newSessionHarness(t, testConfig(), SessionEvents{
			OnDisconnect: func(*Client) { close(disconnected) },
		})
		h.auth.result = AuthResult{Authorized: false, Disconnect: true}

		h.send(t, `{"id":2,"method":"mining.authorize","params":["worker1","x"]}`)
		_ = h.readReply(t)

		waitSignal(t, disconnected, "disconnect")
	})
}

func TestClientFraming(t *testing.T) {
	t.Run("reassembles a message split across chunks", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		full := `{"id":1,"method":"mining.subscribe","params":[]}` + "\n"
		_, err := h.miner.Write([]byte(full[:20]))
		require.NoError(t, err)
		_, err = h.miner.Write([]byte(full[20:]))
		require.NoError(t, err)

		reply := h.readReply(t)
		assert.Equal(t, float64(1), reply["id"])
	})

	t.Run("dispatches multiple messages from one chunk in order", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		batch := `{"id":1,"method":"mining.authorize","params":["worker1","x"]}` + "\n" +
			`{"id":2,"method":"mining.subscribe","params":[]}` + "\n"
		_, err := h.miner.Write([]byte(batch))
		require.NoError(t, err)

		first := h.readReply(t)
		second := h.readReply(t)
		assert.Equal(t, float64(1), first["id"])
		assert.Equal(t, float64(2), second["id"])
	})

	t.Run("skips blank lines", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		_, err := h.miner.Write([]byte("\n  \n" + `{"id":1,"method":"mining.subscribe","params":[]}` + "\n"))
		require.NoError(t, err)

		reply := h.readReply(t)
		assert.Equal(t, float64(1), reply["id"])
	})

	t.Run("destroys connection on oversized buffered input", func(t *testing.T) {
		flooded := make(chan struct{})
		disconnected := make(chan struct{})
		h := newSessionHarness(t, testConfig(), SessionEvents{
			OnFlooded:    func(*Client) { close(flooded) },
			OnDisconnect: func(*Client) { close(disconnected) },
		})

		// No newline anywhere, so the accumulator can only grow.
		_, _ = h.miner.Write([]byte(strings.Repeat("a", maxRequestBytes+1024)))

		waitSignal(t, flooded, "flood signal")
		waitSignal(t, disconnected, "disconnect")
	})

	t.Run("input at exactly the buffer limit is processed", func(t *testing.T) {
		flooded := make(chan struct{})
		h := newSessionHarness(t, testConfig(), SessionEvents{
			OnFlooded: func(*Client) { close(flooded) },
		})

		// One valid message padded so the accumulator peaks at the limit
		// without exceeding it.
		prefix := `{"id":1,"method":"mining.subscribe","params":["`
		suffix := `"]}` + "\n"
		padding := strings.Repeat("a", maxRequestBytes-len(prefix)-len(suffix))
		_, err := h.miner.Write([]byte(prefix + padding + suffix))
		require.NoError(t, err)

		reply := h.readReply(t)
		assert.Equal(t, float64(1), reply["id"])

		select {
		case <-flooded:
			t.Fatal("flood guard fired at the limit")
		default:
		}
	})

	t.Run("destroys connection on malformed JSON", func(t *testing.T) {
		malformed := make(chan struct{})
		disconnected := make(chan struct{})
		h := newSessionHarness(t, testConfig(), SessionEvents{
			OnMalformed:  func(*Client, string) { close(malformed) },
			OnDisconnect: func(*Client) { close(disconnected) },
		})

		h.send(t, `{"id":1,"method":`)

		waitSignal(t, malformed, "malformed signal")
		waitSignal(t, disconnected, "disconnect")
	})
}

func TestClientDispatch(t *testing.T) {
	t.Run("answers get_transactions with empty result", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		h.send(t, `{"id":7,"method":"mining.get_transactions","params":[]}`)
		reply := h.readReply(t)

		assert.Equal(t, []interface{}{}, reply["result"])
		assert.Equal(t, true, reply["error"])
	})

	t.Run("acknowledges extranonce.subscribe", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		h.send(t, `{"id":8,"method":"mining.extranonce.subscribe","params":[]}`)
		reply := h.readReply(t)

		assert.Equal(t, true, reply["result"])
		assert.Nil(t, reply["error"])
	})

	t.Run("non-array params dispatch with empty positional values", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		h.send(t, `{"id":1,"method":"mining.authorize","params":{}}`)
		reply := h.readReply(t)

		assert.Equal(t, true, reply["result"])
		assert.Equal(t, "", h.auth.lastRequest().WorkerName)
		assert.False(t, h.client.isDestroyed())

		// The connection survived and keeps serving.
		h.send(t, `{"id":2,"method":"mining.subscribe","params":[]}`)
		assert.Equal(t, float64(2), h.readReply(t)["id"])
	})

	t.Run("ignores unknown methods without replying", func(t *testing.T) {
		var unknownMethod string
		unknown := make(chan struct{})
		h := newSessionHarness(t, testConfig(), SessionEvents{
			OnUnknownMethod: func(_ *Client, method string) {
				unknownMethod = method
				close(unknown)
			},
		})

		h.send(t, `{"id":9,"method":"mining.ping","params":[]}`)
		waitSignal(t, unknown, "unknown method signal")
		assert.Equal(t, "mining.ping", unknownMethod)

		// The next reply on the wire answers the follow-up request, proving
		// the unknown method produced none.
		h.send(t, `{"id":10,"method":"mining.subscribe","params":[]}`)
		reply := h.readReply(t)
		assert.Equal(t, float64(10), reply["id"])
	})
}

func TestClientSubmit(t *testing.T) {
	authorize := func(t *testing.T, h *sessionHarness) {
		t.Helper()
		h.send(t, `{"id":1,"method":"mining.authorize","params":["worker1","x"]}`)
		require.Equal(t, true, h.readReply(t)["result"])
	}
	subscribe := func(t *testing.T, h *sessionHarness) {
		t.Helper()
		h.send(t, `{"id":2,"method":"mining.subscribe","params":[]}`)
		require.Nil(t, h.readReply(t)["error"])
	}
	submit := func(t *testing.T, h *sessionHarness, nonce string) map[string]interface{} {
		t.Helper()
		h.send(t, fmt.Sprintf(
			`{"id":3,"method":"mining.submit","params":["worker1","job1","00000000","5e9f0000","%s"]}`, nonce))
		return h.readReply(t)
	}

	t.Run("rejects unauthorized worker", func(t *testing.T) {
		config := testConfig()
		config.Banning.Enabled = true
		h := newSessionHarness(t, config, SessionEvents{})

		reply := submit(t, h, "0000000a")

		assert.Nil(t, reply["result"])
		assert.Equal(t, 24, errorCode(t, reply))

		_, invalid := h.client.Shares()
		assert.Equal(t, uint64(1), invalid)
	})

	t.Run("rejects unsubscribed worker", func(t *testing.T) {
		config := testConfig()
		config.Banning.Enabled = true
		h := newSessionHarness(t, config, SessionEvents{})
		authorize(t, h)

		reply := submit(t, h, "0000000a")

		assert.Nil(t, reply["result"])
		assert.Equal(t, 25, errorCode(t, reply))

		_, invalid := h.client.Shares()
		assert.Equal(t, uint64(1), invalid)
	})

	t.Run("accepts share and relays validator verdict", func(t *testing.T) {
		var got Share
		h := newSessionHarness(t, testConfig(), SessionEvents{})
		h.validator.fn = func(share Share) (bool, *Error) {
			got = share
			return true, nil
		}
		authorize(t, h)
		subscribe(t, h)

		reply := submit(t, h, "0000000a")

		assert.Equal(t, true, reply["result"])
		assert.Nil(t, reply["error"])
		assert.Equal(t, Share{
			WorkerName:  "worker1",
			JobID:       "job1",
			ExtraNonce2: "00000000",
			NTime:       "5e9f0000",
			Nonce:       "0000000a",
		}, got)
	})

	t.Run("relays validator rejection", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})
		h.validator.fn = func(Share) (bool, *Error) {
			return false, ErrLowDifficultyShare
		}
		authorize(t, h)
		subscribe(t, h)

		reply := submit(t, h, "0000000a")

		assert.Equal(t, false, reply["result"])
		assert.Equal(t, 23, errorCode(t, reply))
	})

	t.Run("rejects duplicate share without consulting validator", func(t *testing.T) {
		calls := 0
		h := newSessionHarness(t, testConfig(), SessionEvents{})
		h.validator.fn = func(Share) (bool, *Error) {
			calls++
			return true, nil
		}
		authorize(t, h)
		subscribe(t, h)

		first := submit(t, h, "0000000a")
		assert.Equal(t, true, first["result"])

		second := submit(t, h, "0000000a")
		assert.Nil(t, second["result"])
		assert.Equal(t, 22, errorCode(t, second))
		assert.Equal(t, 1, calls)
	})

	t.Run("refreshes last activity", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})
		before := h.client.LastActivity()
		time.Sleep(5 * time.Millisecond)

		_ = submit(t, h, "0000000a")

		assert.True(t, h.client.LastActivity().After(before))
	})
}

func TestClientBanVote(t *testing.T) {
	banConfig := func() Config {
		config := testConfig()
		config.Banning.Enabled = true
		config.Banning.CheckThreshold = 10
		config.Banning.InvalidPercent = 50
		return config
	}

	t.Run("resets counters when window is mostly valid", func(t *testing.T) {
		h := newSessionHarness(t, banConfig(), SessionEvents{})

		for i := 0; i < 6; i++ {
			assert.False(t, h.client.considerBan(true))
		}
		for i := 0; i < 3; i++ {
			assert.False(t, h.client.considerBan(false))
		}

		valid, invalid := h.client.Shares()
		assert.Equal(t, uint64(6), valid)
		assert.Equal(t, uint64(3), invalid)

		// Tenth vote closes the window below the limit: reset, no ban.
		assert.False(t, h.client.considerBan(false))
		valid, invalid = h.client.Shares()
		assert.Equal(t, uint64(0), valid)
		assert.Equal(t, uint64(0), invalid)
	})

	t.Run("bans when window is mostly invalid", func(t *testing.T) {
		var reason string
		banned := make(chan struct{})
		disconnected := make(chan struct{})
		h := newSessionHarness(t, banConfig(), SessionEvents{
			OnTriggerBan: func(_ *Client, r string) {
				reason = r
				close(banned)
			},
			OnDisconnect: func(*Client) { close(disconnected) },
		})

		for i := 0; i < 4; i++ {
			assert.False(t, h.client.considerBan(true))
		}
		for i := 0; i < 5; i++ {
			assert.False(t, h.client.considerBan(false))
		}
		assert.True(t, h.client.considerBan(false))

		waitSignal(t, banned, "ban trigger")
		assert.Equal(t, "6 out of the last 10 shares were invalid", reason)
		waitSignal(t, disconnected, "disconnect")
	})

	t.Run("does nothing while banning is disabled", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		for i := 0; i < 20; i++ {
			assert.False(t, h.client.considerBan(false))
		}
		assert.False(t, h.client.isDestroyed())
	})
}

func TestClientDifficulty(t *testing.T) {
	t.Run("sends set_difficulty and shifts previous", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		done := make(chan bool, 1)
		go func() { done <- h.client.SendDifficulty(8) }()

		reply := h.readReply(t)
		assert.Equal(t, "mining.set_difficulty", reply["method"])
		assert.Equal(t, []interface{}{float64(8)}, reply["params"])
		assert.True(t, <-done)

		assert.Equal(t, float64(8), h.client.Difficulty())
		assert.Equal(t, float64(0), h.client.PreviousDifficulty())
	})

	t.Run("repeat of current difficulty is a no-op", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		done := make(chan bool, 1)
		go func() { done <- h.client.SendDifficulty(8) }()
		_ = h.readReply(t)
		require.True(t, <-done)

		assert.False(t, h.client.SendDifficulty(8))
		assert.Equal(t, float64(8), h.client.Difficulty())
		assert.Equal(t, float64(0), h.client.PreviousDifficulty())
	})

	t.Run("staged difficulty is applied with the next job", func(t *testing.T) {
		var changedTo float64
		changed := make(chan struct{})
		h := newSessionHarness(t, testConfig(), SessionEvents{
			OnDifficultyChanged: func(_ *Client, difficulty float64) {
				changedTo = difficulty
				close(changed)
			},
		})

		h.client.EnqueueNextDifficulty(16)
		assert.Equal(t, float64(0), h.client.Difficulty())

		go func() { _ = h.client.SendMiningJob([]interface{}{"job1"}) }()

		diff := h.readReply(t)
		assert.Equal(t, "mining.set_difficulty", diff["method"])
		job := h.readReply(t)
		assert.Equal(t, "mining.notify", job["method"])
		assert.Equal(t, []interface{}{"job1"}, job["params"])

		waitSignal(t, changed, "difficulty change")
		assert.Equal(t, float64(16), changedTo)
		assert.Equal(t, float64(16), h.client.Difficulty())
	})
}

func TestClientHandoff(t *testing.T) {
	t.Run("silently authorizes and carries donor state", func(t *testing.T) {
		h := newSessionHarness(t, testConfig(), SessionEvents{})

		h.client.ManuallyAuthorize("worker1", "x")
		h.client.ManuallySetValues(HandoffState{
			ExtraNonce1:        "cafe0001",
			PreviousDifficulty: 4,
			Difficulty:         8,
		})

		assert.True(t, h.client.Authorized())
		assert.True(t, h.client.Subscribed())
		assert.Equal(t, "cafe0001", h.client.ExtraNonce1())
		assert.Equal(t, float64(8), h.client.Difficulty())
		assert.Equal(t, float64(4), h.client.PreviousDifficulty())

		// Re-sending the carried difficulty must not touch the wire.
		assert.False(t, h.client.SendDifficulty(8))
	})
}

func TestClientProxyProtocol(t *testing.T) {
	proxyConfig := func() Config {
		config := testConfig()
		config.TCPProxyProtocol = true
		return config
	}

	t.Run("adopts source address and strips preamble", func(t *testing.T) {
		var checkedAddress string
		checked := make(chan struct{})
		h := newSessionHarness(t, proxyConfig(), SessionEvents{
			OnCheckBan: func(c *Client) {
				checkedAddress = c.RemoteAddress()
				close(checked)
			},
		})

		_, err := h.miner.Write([]byte(
			"PROXY TCP4 203.0.113.7 10.0.0.1 41234 3333\n" +
				`{"id":1,"method":"mining.subscribe","params":[]}` + "\n"))
		require.NoError(t, err)

		reply := h.readReply(t)
		assert.Equal(t, float64(1), reply["id"])
		assert.Equal(t, "203.0.113.7", h.client.RemoteAddress())

		waitSignal(t, checked, "ban check")
		assert.Equal(t, "203.0.113.7", checkedAddress)
	})

	t.Run("reports missing preamble and processes chunk anyway", func(t *testing.T) {
		proxyErr := make(chan struct{})
		h := newSessionHarness(t, proxyConfig(), SessionEvents{
			OnTCPProxyError: func(*Client, error) { close(proxyErr) },
		})

		h.send(t, `{"id":1,"method":"mining.subscribe","params":[]}`)

		reply := h.readReply(t)
		assert.Equal(t, float64(1), reply["id"])
		waitSignal(t, proxyErr, "proxy error")
	})
}

func TestClientDisconnect(t *testing.T) {
	t.Run("fires exactly once when the peer closes", func(t *testing.T) {
		disconnects := make(chan struct{}, 4)
		h := newSessionHarness(t, testConfig(), SessionEvents{
			OnDisconnect: func(*Client) { disconnects <- struct{}{} },
		})

		_ = h.miner.Close()

		select {
		case <-disconnects:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for disconnect")
		}

		h.client.Destroy()
		select {
		case <-disconnects:
			t.Fatal("disconnect fired more than once")
		case <-time.After(50 * time.Millisecond):
		}
	})
}
