// Package server exposes the stream, camera controls and status over HTTP.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"camstream-go/internal/broadcast"
	"camstream-go/internal/controls"
)

//go:embed web/*
var webFS embed.FS

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

type Deps struct {
	Broadcaster *broadcast.Broadcaster
	Lifecycle   *broadcast.Lifecycle
	Session     broadcast.SessionConfig
	// Controls is optional; without it the control endpoints report nothing.
	Controls controls.Channel
	// Events feeds the websocket clients.
	Events   <-chan any
	StatusFn func() map[string]any
	ConfigFn func() map[string]any
	Logger   *zap.Logger
}

type Server struct {
	deps     Deps
	echo     *echo.Echo
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex

	// setMu serializes device control changes.
	setMu sync.Mutex
}

func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		logger: deps.Logger.Named("http"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}

	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.Error(v.Error),
			)
			return nil
		},
	}))

	e.StaticFS("/", sub)
	e.GET("/video_feed", s.handleVideoFeed)
	e.GET("/snapshot.jpg", s.handleSnapshot)
	e.GET("/controls", s.handleControls)
	e.GET("/get_control", s.handleGetControl)
	e.POST("/set_control", s.handleSetControl)
	e.GET("/ws", s.handleWS)
	e.GET("/healthz", s.handleHealth)
	e.GET("/config", s.handleConfig)
	e.GET("/status", s.handleStatus)

	s.echo = e
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	go s.broadcast(ctx, s.deps.Events)

	errc := make(chan error, 1)
	go func() {
		errc <- s.echo.Start(":" + strconv.Itoa(port))
	}()
	s.logger.Info("http server listening", zap.Int("port", port))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.closeClients()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleConfig(c echo.Context) error {
	payload := map[string]any{}
	if s.deps.ConfigFn != nil {
		payload = s.deps.ConfigFn()
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) status() map[string]any {
	payload := map[string]any{}
	if s.deps.StatusFn != nil {
		if p := s.deps.StatusFn(); p != nil {
			payload = p
		}
	}
	payload["broadcaster"] = s.deps.Broadcaster.Stats()
	payload["lifecycle"] = s.deps.Lifecycle.State().String()
	payload["ws_clients"] = s.clientCount()
	return payload
}

func (s *Server) handleWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	hello := map[string]any{"type": "config"}
	if s.deps.ConfigFn != nil {
		for k, v := range s.deps.ConfigFn() {
			hello[k] = v
		}
	}
	_ = s.writeJSON(conn, writeMu, hello)

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request map[string]any
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			if request["type"] == "status_request" {
				status := s.status()
				status["type"] = "status"
				_ = s.writeJSON(conn, writeMu, status)
			}
		}
	}()
	return nil
}

func (s *Server) broadcast(ctx context.Context, messages <-chan any) {
	if messages == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			payload, err := json.Marshal(message)
			if err != nil {
				continue
			}
			for conn, writeMu := range s.snapshotClients() {
				if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// snapshotClients copies the client set so writes happen outside s.mu.
func (s *Server) snapshotClients() map[*websocket.Conn]*sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[*websocket.Conn]*sync.Mutex, len(s.clients))
	for conn, writeMu := range s.clients {
		out[conn] = writeMu
	}
	return out
}

func (s *Server) closeClients() {
	for conn := range s.snapshotClients() {
		s.removeClient(conn)
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
