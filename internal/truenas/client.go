package truenas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/heavyscript/appsnap/internal/logging"
	"github.com/rs/zerolog"
)

const (
	defaultCallTimeout = 60 * time.Second
	wsHandshakeWait    = 15 * time.Second
	wsWriteWait        = 10 * time.Second
	wsMaxMessageSize   = 64 * 1024 * 1024

	localSocketPath = "/var/run/middleware/middlewared.sock"
)

// ErrNotConnected is returned when calling on a closed client.
var ErrNotConnected = errors.New("middleware client not connected")

// ClientConfig configures the middleware websocket client.
type ClientConfig struct {
	// URL is unix:///path/to.sock for the local middleware, or ws(s)://host
	// for a remote one.
	URL                string
	APIKey             string
	InsecureSkipVerify bool
	Fingerprint        string
	CallTimeout        time.Duration
	JobPollInterval    time.Duration
	JobMaxPolls        int
}

// RPCError is an error reply from the middleware.
type RPCError struct {
	Method  string `json:"-"`
	Code    int    `json:"error"`
	ErrName string `json:"errname"`
	Type    string `json:"type"`
	Reason  string `json:"reason"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("middleware call %s failed: %s", e.Method, strings.TrimSpace(e.Reason))
}

type rpcRequest struct {
	ID      string   `json:"id,omitempty"`
	Msg     string   `json:"msg"`
	Method  string   `json:"method,omitempty"`
	Params  []any    `json:"params,omitempty"`
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`
}

type rpcMessage struct {
	ID     string          `json:"id"`
	Msg    string          `json:"msg"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client speaks the middleware's websocket JSON-RPC protocol.
type Client struct {
	config ClientConfig
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan rpcMessage
	done    chan struct{}
	readErr error
}

// Dial connects, completes the protocol handshake and authenticates when
// an API key is configured.
func Dial(ctx context.Context, config ClientConfig, logger zerolog.Logger) (*Client, error) {
	raw := strings.TrimSpace(config.URL)
	if raw == "" {
		raw = "unix://" + localSocketPath
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse middleware url: %w", err)
	}

	dialer, wsURL, err := newDialer(target, config)
	if err != nil {
		return nil, err
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaultCallTimeout
	}
	if config.JobPollInterval <= 0 {
		config.JobPollInterval = 10 * time.Second
	}
	if config.JobMaxPolls <= 0 {
		config.JobMaxPolls = 50
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial middleware %s: %w", raw, err)
	}
	conn.SetReadLimit(wsMaxMessageSize)

	c := &Client{
		config:  config,
		conn:    conn,
		logger:  logger.With().Str("component", "middleware").Logger(),
		pending: make(map[string]chan rpcMessage),
		done:    make(chan struct{}),
	}
	if err := c.handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()

	if key := strings.TrimSpace(config.APIKey); key != "" {
		var ok bool
		if err := c.Call(ctx, "auth.login_with_api_key", &ok, key); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("middleware authentication: %w", err)
		}
		if !ok {
			_ = c.Close()
			return nil, fmt.Errorf("middleware authentication rejected api key")
		}
	}
	c.logger.Debug().Str("url", raw).Msg("Connected to middleware")
	return c, nil
}

func (c *Client) handshake() error {
	if err := c.write(rpcRequest{Msg: "connect", Version: "1", Support: []string{"1"}}); err != nil {
		return fmt.Errorf("middleware handshake: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(wsHandshakeWait))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("middleware handshake: %w", err)
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Msg {
		case "connected":
			return nil
		case "failed":
			return fmt.Errorf("middleware handshake refused")
		}
	}
}

func (c *Client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug().Err(err).Str("payload", logging.Truncate(string(data), 256)).Msg("Ignoring undecodable middleware message")
			continue
		}
		switch msg.Msg {
		case "result":
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case "ping":
			if err := c.write(rpcRequest{Msg: "pong", ID: msg.ID}); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to answer middleware ping")
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.readErr = err
	close(c.done)
}

// Call invokes method with params and decodes the result into out, which
// may be nil. Numbers decode as json.Number.
func (c *Client) Call(ctx context.Context, method string, out any, params ...any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
	}
	if params == nil {
		params = []any{}
	}

	id := uuid.NewString()
	ch := make(chan rpcMessage, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return ErrNotConnected
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(rpcRequest{ID: id, Msg: "method", Method: method, Params: params}); err != nil {
		cleanup()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			msg.Error.Method = method
			return msg.Error
		}
		c.logger.Trace().Str("method", method).Str("result", logging.Truncate(string(msg.Result), 512)).Msg("Middleware call returned")
		if out == nil || len(msg.Result) == 0 {
			return nil
		}
		return decodeResult(msg.Result, out)
	case <-ctx.Done():
		cleanup()
		return fmt.Errorf("call %s: %w", method, ctx.Err())
	case <-c.done:
		cleanup()
		return fmt.Errorf("call %s: %w: %v", method, ErrNotConnected, c.readErr)
	}
}

func decodeResult(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode middleware result: %w", err)
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.fail(ErrNotConnected)
	return err
}
