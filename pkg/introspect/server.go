// Package introspect exposes a read-only, local-host HTTP surface over a
// running Hub: registered service keys, active subscription patterns,
// metric counters, peer liveness, and a live websocket tap of the hub's
// structured events. It observes the hub through the same Observer
// interface every other component feeds; it is a debugging window, not a
// second transport.
package introspect

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"

	"meshbus/pkg/hub"
	"meshbus/pkg/observability"
)

// DefaultAddr binds the introspection surface to the loopback interface.
// No authentication is attached, so a non-local bind is the caller's own
// deliberate choice.
const DefaultAddr = "127.0.0.1:8901"

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(data []byte) {
	c.mu.Lock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
}

// Server serves hub introspection over a Fiber app. It also implements
// observability.Observer: attach it to the hub (e.g. via a
// MultiObserver) and every hub event is fanned out live to websocket
// clients on /events.
type Server struct {
	app *fiber.App
	hub *hub.Hub

	mu      sync.RWMutex
	clients map[*websocket.Conn]*wsConn
}

// New builds the introspection server for h.
func New(h *hub.Hub) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "meshbus-introspect",
		ReduceMemoryUsage:     true,
		DisableStartupMessage: true,
	})
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	s := &Server{
		app:     app,
		hub:     h,
		clients: make(map[*websocket.Conn]*wsConn),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "hub": s.hub.Name()})
	})

	s.app.Get("/services", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"services": s.hub.Services()})
	})

	s.app.Get("/subscriptions", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"patterns": s.hub.SubscriptionPatterns()})
	})

	s.app.Get("/metrics", func(c *fiber.Ctx) error {
		m := s.hub.Metrics()
		return c.JSON(fiber.Map{
			"messages_sent":        m.MessagesSent,
			"messages_received":    m.MessagesRecv,
			"active_calls":         m.ActiveCalls,
			"active_subscriptions": m.ActiveSubscriptions,
			"active_streams":       m.ActiveStreams,
			"dispatch_errors":      m.DispatchErrors,
		})
	})

	s.app.Get("/peers", func(c *fiber.Ctx) error {
		peers := make(map[string]string)
		for name, seen := range s.hub.Peers() {
			peers[name] = seen.Format(time.RFC3339Nano)
		}
		return c.JSON(fiber.Map{"peers": peers})
	})

	s.app.Use("/events", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/events", websocket.New(s.handleEventsConn))
}

func (s *Server) handleEventsConn(c *websocket.Conn) {
	cc := &wsConn{conn: c}

	s.mu.Lock()
	s.clients[c] = cc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.Close()
	}()

	// Clients only listen; the read loop exists to notice disconnects.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

type eventRecord struct {
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// OnEvent fans the hub event out to every connected websocket client.
func (s *Server) OnEvent(ctx context.Context, event observability.Event) {
	s.mu.RLock()
	if len(s.clients) == 0 {
		s.mu.RUnlock()
		return
	}
	clients := make([]*wsConn, 0, len(s.clients))
	for _, cc := range s.clients {
		clients = append(clients, cc)
	}
	s.mu.RUnlock()

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data, err := json.Marshal(eventRecord{
		Type:      string(event.Type),
		Level:     event.Level.String(),
		Timestamp: ts,
		Source:    event.Source,
		Data:      event.Data,
	})
	if err != nil {
		return
	}

	for _, cc := range clients {
		cc.send(data)
	}
}

// App exposes the underlying Fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr, or DefaultAddr when addr is empty. Blocks until
// Shutdown.
func (s *Server) Listen(addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	return s.app.Listen(addr)
}

// Shutdown stops the HTTP listener and disconnects websocket clients.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
	s.mu.Unlock()
	return s.app.Shutdown()
}
