package api

import (
	"context"
	"net/http"
	"time"

	"github.com/lieyan666/FireProxy/pkg/config"
	"github.com/lieyan666/FireProxy/pkg/health"
	"github.com/lieyan666/FireProxy/pkg/logger"
	"github.com/lieyan666/FireProxy/pkg/stats"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// statsPushInterval is the cadence of websocket stats pushes
const statsPushInterval = 2 * time.Second

// Server exposes the read-only introspection API. It only reads the
// stats registry and health monitor; it never touches the data path.
type Server struct {
	addr     string
	registry *stats.Registry
	health   *health.Monitor
	rules    []config.Rule
	log      *logger.Logger

	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates the API server
func NewServer(addr string, registry *stats.Registry, hm *health.Monitor, rules []config.Rule, log *logger.Logger) *Server {
	return &Server{
		addr:     addr,
		registry: registry,
		health:   hm,
		rules:    rules,
		log:      log.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local introspection endpoint; no cross-origin UI exists
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// router builds the gin engine serving the introspection endpoints
func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/stats/ws", s.handleStatsWS)
		api.GET("/proxies/:id", s.handleStatsByID)
		api.GET("/rules", s.handleRules)
		api.GET("/health", s.handleHealth)
	}

	return router
}

// Start launches the HTTP server in the background
func (s *Server) Start() {
	s.httpSrv = &http.Server{
		Addr:    s.addr,
		Handler: s.router(),
	}

	go func() {
		s.log.InfoWith("api listening", "address", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.ErrorWithErr("api server error", err)
		}
	}()
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleStats returns a snapshot of every registered forwarder
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Snapshots())
}

// handleStatsByID returns one forwarder's snapshot
func (s *Server) handleStatsByID(c *gin.Context) {
	id := c.Param("id")
	fw, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown proxy id"})
		return
	}
	c.JSON(http.StatusOK, fw.Snapshot())
}

// handleRules returns the loaded rule list
func (s *Server) handleRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"forward": s.rules})
}

// handleHealth returns process health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.health.GetHealth(s.registry.Len()))
}

// handleStatsWS streams the full snapshot map over a websocket until
// the peer disconnects
func (s *Server) handleStatsWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WarnWith("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.log.DebugWith("stats stream opened", "remote", conn.RemoteAddr().String())

	ticker := time.NewTicker(statsPushInterval)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.WriteJSON(s.registry.Snapshots()); err != nil {
			s.log.DebugWith("stats stream closed", "remote", conn.RemoteAddr().String())
			return
		}
	}
}
