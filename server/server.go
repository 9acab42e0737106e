// Package server runs the directory service: the process that owns the
// shared channel and payload store and exposes them to remote nodes over a
// websocket, plus a small HTTP API for diagnostics.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Readm/memcoh/channel"
	"github.com/Readm/memcoh/codec"
	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/logging"
	"github.com/Readm/memcoh/payload"
)

// Options configure a Server. The server does not close Channel or Payload.
type Options struct {
	Name         string
	Channel      channel.Channel
	Payload      payload.Store
	Logger       *logging.Logger
	PollInterval time.Duration
}

// Server serves one channel and payload store.
type Server struct {
	name     string
	ch       channel.Channel
	store    payload.Store
	log      *logging.Logger
	poll     time.Duration
	appeared time.Time
	router   *gin.Engine
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New builds a server and registers its routes.
func New(opts Options) (*Server, error) {
	if opts.Channel == nil || opts.Payload == nil {
		return nil, errors.New("server: channel and payload store are required")
	}
	if opts.Name == "" {
		opts.Name = "memcoh"
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger()
	}
	RegisterMetrics()

	s := &Server{
		name:     opts.Name,
		ch:       opts.Channel,
		store:    opts.Payload,
		log:      opts.Logger,
		poll:     opts.PollInterval,
		appeared: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(*opts.Logger.Zerolog()))
	r.Use(RequestMetricsMiddleware(s.name))
	s.router = r
	s.registerRoutes()
	return s, nil
}

// Handler exposes the router, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("directory server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.closeClients()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.appeared).String(),
			"component": s.name,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/api/directory", func(c *gin.Context) {
		snap, err := s.ch.Fetch(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		body, err := codec.Encode(snap)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", body)
	})

	s.router.GET("/api/directory/:block", func(c *gin.Context) {
		block, err := core.ParseBlock(c.Param("block"))
		if err != nil {
			respondError(c, err)
			return
		}
		snap, err := s.ch.Fetch(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entryView(snap.Version, block, snap.Get(block)))
	})

	s.router.GET("/ws", func(c *gin.Context) {
		s.handleSocket(c.Writer, c.Request)
	})
}

type entryJSON struct {
	Version int64  `json:"version"`
	Block   string `json:"block"`
	State   string `json:"state"`
	Owners  []int  `json:"owners"`
	Holder  *int   `json:"holder,omitempty"`
	Rev     int64  `json:"rev,omitempty"`
}

func entryView(version int64, block core.Block, e core.Entry) entryJSON {
	out := entryJSON{
		Version: version,
		Block:   block.String(),
		State:   string(e.State),
		Owners:  e.Owners,
		Rev:     e.Rev,
	}
	if out.Owners == nil {
		out.Owners = []int{}
	}
	if e.Holder != core.NoHolder {
		holder := e.Holder
		out.Holder = &holder
	}
	return out
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidAddress):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrChannelUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
