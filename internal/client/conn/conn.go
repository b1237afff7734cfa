// Package conn maintains one logical websocket connection to the chat
// server across network interruptions. A single background goroutine owns
// the transport: it dials, authenticates, runs the receive loop and, on
// any failure, waits out a fixed backoff and retries until Stop is called.
package conn

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/veia-chat/veia/internal/protocol"
)

// State of the connection lifecycle. Stopped is terminal.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateStopped
)

const sendQueueSize = 256

// Conn is a persistent client connection. Callbacks are invoked from the
// connection's own goroutine; none fire after Stop returns.
type Conn struct {
	url string

	// ReconnectWait is the pause between connect attempts. The default is
	// a fixed 5 seconds; there is intentionally no exponential backoff and
	// no retry cap, the loop runs until Stop.
	ReconnectWait time.Duration

	OnConnected    func()
	OnDisconnected func()
	OnMessage      func(protocol.Inbound)

	mu          sync.Mutex
	accessToken string
	state       State
	ws          *websocket.Conn
	started     bool

	send chan []byte
	done chan struct{}
	stop sync.Once
	wg   sync.WaitGroup

	log zerolog.Logger
}

// New returns an unstarted connection to url. If accessToken is non-empty
// an authenticate action is sent immediately after every connect.
func New(url, accessToken string, log zerolog.Logger) *Conn {
	return &Conn{
		url:           url,
		accessToken:   accessToken,
		ReconnectWait: 5 * time.Second,
		send:          make(chan []byte, sendQueueSize),
		done:          make(chan struct{}),
		log:           log.With().Str("component", "conn").Logger(),
	}
}

// SetAccessToken replaces the token sent on (re)connect, used after a
// refresh_access_token round trip.
func (c *Conn) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the background worker. Calling it twice is a no-op.
func (c *Conn) Start() {
	c.mu.Lock()
	if c.started || c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
}

// Stop shuts the worker down, closes the transport and waits for the
// receive loop to exit. It is idempotent and interrupts a pending
// reconnect backoff, so shutdown is never delayed by a retry timer.
func (c *Conn) Stop() {
	c.stop.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
}

// SendData marshals v to JSON and enqueues it for the worker. It never
// blocks on network I/O; frames queued before the first connect are
// flushed once a connection is established. A full queue is a logged drop.
func (c *Conn) SendData(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal outbound")
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn().Msg("send queue full, dropping frame")
	}
	if c.State() != StateConnected {
		c.log.Debug().Msg("not connected, frame queued")
	}
}

func (c *Conn) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.setState(StateConnecting)
		ws, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.log.Warn().Err(err).Msg("connect failed, retrying")
			c.setState(StateDisconnected)
			if c.OnDisconnected != nil {
				c.OnDisconnected()
			}
			if !c.backoff() {
				return
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.state = StateConnected
		token := c.accessToken
		c.mu.Unlock()

		c.log.Info().Str("url", c.url).Msg("connected")
		if c.OnConnected != nil {
			c.OnConnected()
		}

		// Authenticate before anything queued gets flushed. The writer
		// pump is not running yet, so this is the sole writer.
		if token != "" {
			auth := protocol.Outbound{
				Action: protocol.ActionAuthenticate,
				Data:   protocol.AuthenticatePayload{AccessToken: token},
			}
			if data, err := json.Marshal(auth); err == nil {
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					c.log.Warn().Err(err).Msg("authenticate write failed")
				}
			}
		}

		c.serve(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()

		select {
		case <-c.done:
			return
		default:
		}

		c.log.Warn().Msg("disconnected, retrying in " + c.ReconnectWait.String())
		c.setState(StateDisconnected)
		if c.OnDisconnected != nil {
			c.OnDisconnected()
		}
		if !c.backoff() {
			return
		}
	}
}

// serve runs the writer pump and the receive loop for one established
// connection and returns when either side fails or Stop closes the socket.
func (c *Conn) serve(ws *websocket.Conn) {
	closed := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for {
			select {
			case data := <-c.send:
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					c.log.Warn().Err(err).Msg("write failed")
					return
				}
			case <-closed:
				return
			case <-c.done:
				return
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var in protocol.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.log.Warn().Err(err).Msg("invalid json frame, dropping")
			continue
		}
		if c.OnMessage != nil {
			c.OnMessage(in)
		}
	}

	close(closed)
	ws.Close()
	<-writerDone
}

// backoff sleeps for ReconnectWait; it returns false when interrupted by
// Stop so the run loop can exit without finishing the wait.
func (c *Conn) backoff() bool {
	select {
	case <-time.After(c.ReconnectWait):
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
