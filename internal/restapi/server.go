// Package restapi is the demo daemon's thin gin HTTP surface over a
// *modbusdb.Modbusdb, following internal/api/rest/server.go's
// Server-struct + setupRoutes shape in the teacher, trimmed to the four
// data operations plus a health check and a per-unit stats route: the teacher's auth/device/
// workflow/machine route groups have no counterpart here (no
// authentication, no device registry beyond the one Datamap — Non-goals).
package restapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yarosdev/modbusdb"
)

// Server wraps a *modbusdb.Modbusdb with a gin router and an http.Server,
// mirroring the teacher's Server (router/logger/server fields), with
// wsHub/authService dropped since this surface has neither.
type Server struct {
	router *gin.Engine
	db     *modbusdb.Modbusdb
	logger *zap.Logger
	server *http.Server
}

// NewServer builds a Server listening on port. db must already be
// constructed (and typically Watch()ed) by the caller.
func NewServer(port int, db *modbusdb.Modbusdb, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		db:     db,
		logger: logger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine, matching the teacher's
// fire-and-forget ListenAndServe + fatal-on-unexpected-error pattern.
func (s *Server) Start() {
	s.logger.Info("starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/get", s.getHandler)
	s.router.POST("/set", s.setHandler)
	s.router.POST("/mget", s.mgetHandler)
	s.router.POST("/mset", s.msetHandler)
	s.router.GET("/units/:id", s.unitHandler)
}
