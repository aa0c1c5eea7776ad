// Package diagnostics exposes an HTTP surface for operators: health,
// stats, and sanitized config, built on gin the way the rest of the pack
// uses it, plus a low-volume Socket.IO feed of enriched readings modeled
// directly on aisdecode.go's connection/emit/disconnect wiring.
package diagnostics

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"

	"github.com/wesense-earth/wesense-ingester-meshtastic/record"
)

// StatsProvider supplies the live counters served at /stats. Kept as a
// function type so main can wire in whatever components exist without
// diagnostics importing every package.
type StatsProvider func() map[string]any

// ConfigProvider supplies the sanitized (credential-free) config view
// served at /config.
type ConfigProvider func() map[string]any

// Server hosts the diagnostics HTTP API and live feed.
type Server struct {
	engine *gin.Engine
	sio    *socket.Server

	clientsMu sync.Mutex
	clients   []*socket.Socket

	stats  StatsProvider
	config ConfigProvider
	logger *log.Logger
}

// New builds a Server; it performs no I/O (the caller serves Handler()).
// stats or config may be nil, in which case /stats or /config reports an
// empty object.
func New(stats StatsProvider, config ConfigProvider, logger *log.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engineServer := types.CreateServer(nil)
	sio := socket.NewServer(engineServer, nil)

	s := &Server{engine: engine, sio: sio, stats: stats, config: config, logger: logger}
	s.registerRoutes(engineServer)
	s.registerSocketHandlers()
	return s
}

func (s *Server) registerRoutes(engineServer *types.HttpServer) {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	s.engine.GET("/stats", func(c *gin.Context) {
		if s.stats == nil {
			c.JSON(200, gin.H{})
			return
		}
		c.JSON(200, s.stats())
	})
	s.engine.GET("/config", func(c *gin.Context) {
		if s.config == nil {
			c.JSON(200, gin.H{})
			return
		}
		c.JSON(200, s.config())
	})
	s.engine.Any("/socket.io/*any", gin.WrapH(engineServer))
}

func (s *Server) registerSocketHandlers() {
	s.sio.On("connection", func(args ...any) {
		client, ok := args[0].(*socket.Socket)
		if !ok {
			return
		}
		if s.logger != nil {
			s.logger.Printf("diagnostics: client connected: %s", client.Id())
		}
		s.clientsMu.Lock()
		s.clients = append(s.clients, client)
		s.clientsMu.Unlock()
		client.Join("readings")

		client.On("disconnect", func(args ...any) {
			s.clientsMu.Lock()
			for i, c := range s.clients {
				if c == client {
					s.clients = append(s.clients[:i], s.clients[i+1:]...)
					break
				}
			}
			s.clientsMu.Unlock()
		})
	})
}

// Broadcast pushes an enriched reading to every connected operator
// client, mirroring aisdecode.go's direct client-iteration emit loop. It
// is purely observational: no correlator or sink logic ever waits on it.
func (s *Server) Broadcast(r record.Enriched) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	message := string(data)

	s.clientsMu.Lock()
	clients := append([]*socket.Socket(nil), s.clients...)
	s.clientsMu.Unlock()

	for _, client := range clients {
		go func(c *socket.Socket) {
			if err := c.Emit("reading", message); err != nil && s.logger != nil {
				s.logger.Printf("diagnostics: emit to client %s failed: %v", c.Id(), err)
			}
		}(client)
	}
}

// Handler returns the underlying gin engine for use with http.ListenAndServe.
func (s *Server) Handler() *gin.Engine {
	return s.engine
}
