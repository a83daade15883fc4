package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"ibgate/config"
	"ibgate/logger"
	"ibgate/models"
)

const eventBuffer = 256

// WSDialer connects to the terminal bridge over a websocket.
type WSDialer struct{}

// loginFrame is the first outbound frame on a fresh connection.
type loginFrame struct {
	Op       string `json:"op"`
	ClientID int    `json:"clientId"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// helloFrame is the bridge's response to a successful login.
type helloFrame struct {
	Op      string `json:"op"`
	Version string `json:"version"`
	Error   string `json:"error,omitempty"`
}

// Dial establishes the websocket, performs the login handshake, and starts
// the read and heartbeat loops.
func (d *WSDialer) Dial(ctx context.Context, cfg config.TerminalConfig) (Conn, TerminalInfo, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}

	conn, _, err := dialer.DialContext(ctx, cfg.URL(), nil)
	if err != nil {
		return nil, TerminalInfo{}, fmt.Errorf("dial terminal bridge: %w", err)
	}

	login := loginFrame{Op: "login", ClientID: cfg.ClientID, Username: cfg.Username, Password: cfg.Password}
	if err := conn.WriteJSON(login); err != nil {
		conn.Close()
		return nil, TerminalInfo{}, fmt.Errorf("send login: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(cfg.DialTimeout))
	var hello helloFrame
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, TerminalInfo{}, fmt.Errorf("read hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if hello.Error != "" {
		conn.Close()
		return nil, TerminalInfo{}, fmt.Errorf("terminal rejected login: %s", hello.Error)
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 40
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 10
	}

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 20 * time.Second
	}

	c := &wsConn{
		conn:    conn,
		events:  make(chan models.Event, eventBuffer),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		// Heartbeat pings keep a live bridge talking; a peer silent for two
		// intervals counts as lost.
		readTimeout: 2 * heartbeat,
		done:        make(chan struct{}),
		log:         logger.GetLogger(),
	}

	go c.readLoop()
	go c.heartbeat(heartbeat)

	return c, TerminalInfo{Version: hello.Version}, nil
}

// wsConn is a live websocket connection to the terminal bridge. Outbound
// writes are serialized and paced; the read loop feeds the event channel and
// closes it on connection loss.
type wsConn struct {
	conn        *websocket.Conn
	events      chan models.Event
	limiter     *rate.Limiter
	readTimeout time.Duration
	log         *logger.Log

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Events() <-chan models.Event {
	return c.events
}

// Send transmits one request frame, paced by the terminal rate limit.
func (c *wsConn) Send(ctx context.Context, req models.Request) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

// wireFrame is the union of control frames and event frames arriving from
// the bridge.
type wireFrame struct {
	Op string `json:"op"`
	models.Event
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	log := c.log.WithComponent("ws_transport")

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// explicit close, not a transport loss
			default:
				log.WithError(err).Warn("websocket read error, connection lost")
			}
			c.Close()
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			log.WithError(err).Debug("failed to decode frame")
			continue
		}

		switch {
		case frame.Op == "ping":
			c.writeControl(`{"op":"pong"}`)
		case frame.Op == "pong":
			// heartbeat reply, nothing to do
		case frame.Type != "":
			select {
			case c.events <- frame.Event:
			case <-c.done:
				return
			}
		default:
			log.WithFields(logger.Fields{"frame": string(msg)}).Debug("ignoring unknown frame")
		}
	}
}

func (c *wsConn) heartbeat(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeControl(`{"op":"ping"}`)
		}
	}
}

func (c *wsConn) writeControl(payload string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}
