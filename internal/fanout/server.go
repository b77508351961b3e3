package fanout

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charleschow/spin-overlay/internal/telemetry"
)

const (
	clientSendBuf = 256
	writeDeadline = 5 * time.Second
	pongWait      = 30 * time.Second
	pingInterval  = 20 * time.Second
	maxReadBytes  = 4096
)

type overlayClient struct {
	id     uint64
	remote string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

// Server tracks connected overlay websockets and pushes JSON messages to
// all of them.
type Server struct {
	upgrader websocket.Upgrader
	greet    func() any

	mu      sync.Mutex
	nextID  uint64
	clients map[*overlayClient]struct{}
}

// NewServer accepts connections whose Origin header matches one of
// allowedOrigins. An empty list or "*" accepts any origin, and requests
// without an Origin header (OBS browser sources) are always accepted.
func NewServer(allowedOrigins []string) *Server {
	s := &Server{
		clients: make(map[*overlayClient]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	return s
}

// OnConnect sets the message sent to each overlay right after it connects.
// Returning nil sends nothing.
func (s *Server) OnConnect(greet func() any) {
	s.mu.Lock()
	s.greet = greet
	s.mu.Unlock()
}

// Broadcast enqueues msg for every connected overlay and returns how many
// accepted it. A client whose send buffer is full does not count.
func (s *Server) Broadcast(msg any) int {
	data, err := json.Marshal(msg)
	if err != nil {
		telemetry.Warnf("fanout: marshal error: %v", err)
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for c := range s.clients {
		select {
		case c.send <- data:
			sent++
		default:
			telemetry.Warnf("fanout: dropping message for slow overlay #%d", c.id)
		}
	}
	return sent
}

// ClientCount reports how many overlays are connected.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// HandleWS is the HTTP handler for overlay websocket upgrades.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.Warnf("fanout: upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxReadBytes)

	c := &overlayClient{
		remote: r.RemoteAddr,
		conn:   conn,
		send:   make(chan []byte, clientSendBuf),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.nextID++
	c.id = s.nextID
	s.clients[c] = struct{}{}
	greet := s.greet
	n := len(s.clients)
	s.mu.Unlock()

	telemetry.Metrics.ConnectedOverlays.Set(int64(n))
	telemetry.Infof("fanout: overlay #%d connected from %s (%d total)", c.id, c.remote, n)

	// greet runs outside s.mu: it usually reads engine state, and the engine
	// calls Broadcast while holding its own lock.
	if greet != nil {
		if msg := greet(); msg != nil {
			if data, err := json.Marshal(msg); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}
		}
	}

	go s.writePump(c)
	go s.readPump(c)
}

// writePump drains the client's send channel and writes to the connection.
// It owns the client lifecycle: on exit it removes the client from the map
// (so Broadcast never counts a dead socket) and closes the connection.
func (s *Server) writePump(c *overlayClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.removeClient(c)
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				telemetry.Warnf("fanout: write error overlay #%d: %v", c.id, err)
				return
			}
		case <-c.done:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the connection alive by reading pongs and close frames.
// Overlays report completion over HTTP, so text frames are discarded.
// On exit it signals writePump via c.done (never closes c.send).
func (s *Server) readPump(c *overlayClient) {
	defer close(c.done)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(c *overlayClient) {
	s.mu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()

	telemetry.Metrics.ConnectedOverlays.Set(int64(n))
	telemetry.Infof("fanout: overlay #%d disconnected (%d left)", c.id, n)
}

func originChecker(allowed []string) func(*http.Request) bool {
	hosts := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o == "" {
			continue
		}
		hosts[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	if len(hosts) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := hosts[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
