package gateway

import (
	"sync"
	"time"

	"github.com/deskchat/deskchat/internal/auth"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = int64(64 << 10)
)

// conn is one WebSocket client. The read loop owns inbound frames; after
// authentication a dedicated writer goroutine owns every outbound write, so
// frames reach the client in the order they were queued.
type conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	sm      machine
	limiter *rate.Limiter
	log     zerolog.Logger

	stopOnce sync.Once
	kickOnce sync.Once

	// Set once during the handshake, read-only afterwards.
	identity auth.Identity
	tenantID string

	mu       sync.Mutex
	threadID string
}

func newConn(id string, ws *websocket.Conn, buffer int, limiter *rate.Limiter, log zerolog.Logger) *conn {
	return &conn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		limiter: limiter,
		log:     log.With().Str("conn", id).Logger(),
	}
}

// Deliver queues a frame without blocking. A client whose queue is full is
// disconnected rather than allowed to stall broadcasts.
func (c *conn) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.kickOnce.Do(func() {
			c.log.Warn().Int("buffer", cap(c.send)).Msg("send buffer full, dropping slow client")
			c.ws.Close()
		})
		return false
	}
}

func (c *conn) thread() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

func (c *conn) bindThread(id string) {
	c.mu.Lock()
	c.threadID = id
	c.mu.Unlock()
}

// stop ends the writer goroutine. Idempotent.
func (c *conn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// writeDirect writes a frame synchronously. Only valid before writePump
// has started.
func (c *conn) writeDirect(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// closeWith sends a close frame and closes the socket.
func (c *conn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
	c.ws.Close()
}

// writePump drains the send queue and pings the client until stop is
// called, then flushes what is already queued and sends a close frame.
func (c *conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.writeDirect(frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.ws.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case frame := <-c.send:
					if c.writeDirect(frame) != nil {
						c.ws.Close()
						return
					}
				default:
					c.closeWith(websocket.CloseNormalClosure, "")
					return
				}
			}
		}
	}
}
