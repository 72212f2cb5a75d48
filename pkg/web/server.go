// Package web serves the operator dashboard: latest per-camera state and
// metrics, recent cycle history, preview stills and a websocket feed of
// cycle records.
package web

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/surfai/zcamd/internal/log"
	"github.com/surfai/zcamd/pkg/controller"
	"github.com/surfai/zcamd/pkg/cyclelog"
)

// Server aggregates the controllers' output for the dashboard. Publish
// and SetPreview are safe to call from the camera goroutines.
type Server struct {
	app     *fiber.App
	journal *cyclelog.DB

	mu      sync.RWMutex
	latest  map[string]controller.CycleRecord
	preview map[string][]byte

	subMu sync.Mutex
	subs  map[*websocket.Conn]struct{}
}

// New builds the server. journal may be nil; the history endpoint then
// answers 404.
func New(journal *cyclelog.DB) *Server {
	s := &Server{
		journal: journal,
		latest:  map[string]controller.CycleRecord{},
		preview: map[string][]byte{},
		subs:    map[*websocket.Conn]struct{}{},
	}

	s.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/api/state", s.handleState)
	s.app.Get("/api/state/:camera", s.handleCameraState)
	s.app.Get("/api/cycles/:camera", s.handleCycles)
	s.app.Get("/cameras/:camera/preview.jpg", s.handlePreview)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.handleWS))
}

// Listen blocks serving addr.
func (s *Server) Listen(addr string) error {
	log.Info("dashboard listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the listener and closes the feed connections.
func (s *Server) Shutdown() error {
	s.subMu.Lock()
	for c := range s.subs {
		c.Close()
	}
	s.subs = map[*websocket.Conn]struct{}{}
	s.subMu.Unlock()
	return s.app.Shutdown()
}

// Publish stores the record as the camera's latest and pushes it to every
// websocket subscriber.
func (s *Server) Publish(rec controller.CycleRecord) {
	s.mu.Lock()
	s.latest[rec.Camera] = rec
	s.mu.Unlock()

	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	s.broadcast(payload)
}

// SetPreview stores the camera's latest overlaid still.
func (s *Server) SetPreview(camera string, jpeg []byte) {
	s.mu.Lock()
	s.preview[camera] = jpeg
	s.mu.Unlock()
}

func (s *Server) broadcast(payload []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for c := range s.subs {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.Close()
			delete(s.subs, c)
		}
	}
}

func (s *Server) handleState(c *fiber.Ctx) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.JSON(s.latest)
}

func (s *Server) handleCameraState(c *fiber.Ctx) error {
	s.mu.RLock()
	rec, ok := s.latest[c.Params("camera")]
	s.mu.RUnlock()
	if !ok {
		return fiber.ErrNotFound
	}
	return c.JSON(rec)
}

func (s *Server) handleCycles(c *fiber.Ctx) error {
	if s.journal == nil {
		return fiber.ErrNotFound
	}
	n, err := strconv.Atoi(c.Query("n", "50"))
	if err != nil || n < 1 || n > 1000 {
		n = 50
	}
	entries, err := s.journal.Recent(c.Params("camera"), n)
	if err != nil {
		log.Error("cycle history query failed", "err", err)
		return fiber.ErrInternalServerError
	}
	return c.JSON(entries)
}

func (s *Server) handlePreview(c *fiber.Ctx) error {
	s.mu.RLock()
	jpeg, ok := s.preview[c.Params("camera")]
	s.mu.RUnlock()
	if !ok {
		return fiber.ErrNotFound
	}
	c.Set(fiber.HeaderContentType, "image/jpeg")
	return c.Send(jpeg)
}

// handleWS keeps the connection registered until the peer goes away.
// Inbound messages are ignored; the feed is one-way.
func (s *Server) handleWS(c *websocket.Conn) {
	s.subMu.Lock()
	s.subs[c] = struct{}{}
	s.subMu.Unlock()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}

	s.subMu.Lock()
	delete(s.subs, c)
	s.subMu.Unlock()
	c.Close()
}
