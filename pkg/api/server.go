// Package api exposes the orchestrator over HTTP. Handlers stay thin:
// decode, call the composed service, translate errors. Mutating routes read
// the acting agent and role from request headers and pass them down to the
// access controller; the API itself holds no policy.
package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewforge/crewforge/pkg/access"
	"github.com/crewforge/crewforge/pkg/database"
	"github.com/crewforge/crewforge/pkg/orchestrator"
)

// Actor headers on mutating requests.
const (
	HeaderAgentID = "X-Agent-ID"
	HeaderRoleID  = "X-Role-ID"
)

// HeaderIdempotencyKey lets callers retry a mutating request safely: a
// repeated request with the same key inside the retention window replays
// the recorded response instead of re-executing.
const HeaderIdempotencyKey = "Idempotency-Key"

// Server is the HTTP surface over one orchestrator.
type Server struct {
	orch *orchestrator.Orchestrator
	http *http.Server
}

// NewServer creates the server; Router builds the routes.
func NewServer(o *orchestrator.Orchestrator) *Server {
	return &Server{orch: o}
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(s.orch.Metrics().Handler()))

	v1 := r.Group("/api/v1", s.idempotency())
	{
		v1.POST("/requirements", s.submitRequirement)

		v1.POST("/teams", s.createTeam)
		v1.GET("/teams", s.listTeams)
		v1.GET("/teams/:id", s.getTeam)
		v1.GET("/teams/:id/health", s.teamHealth)
		v1.POST("/teams/:id/members", s.addMember)
		v1.DELETE("/teams/:id/members/:agent", s.retireMember)
		v1.GET("/teams/:id/members/:agent/score", s.scoreMember)
		v1.POST("/teams/:id/roles/:role", s.mutateRole)

		v1.POST("/teams/:id/streams", s.startStreams)
		v1.POST("/teams/:id/convergences", s.triggerConvergence)
		v1.POST("/convergences/:id/complete", s.completeConvergence)
		v1.GET("/teams/:id/parallel-metrics", s.parallelMetrics)

		v1.POST("/workflows", s.runWorkflow)
		v1.POST("/workflows/:id/resume", s.resumeWorkflow)
		v1.GET("/workflows/:id", s.getWorkflow)

		v1.GET("/history/metrics", s.historyMetrics)
		v1.GET("/history/insights", s.historyInsights)
	}
	return r
}

// Run serves until the context ends, then drains with a timeout.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("API stopped")
	return nil
}

// recordedResponse is what the idempotency window retains per key.
type recordedResponse struct {
	status int
	body   []byte
}

// replayRecorder tees the response body so a later retry can replay it.
type replayRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *replayRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *replayRecorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

// idempotency routes mutating requests through the orchestrator's
// idempotency window, keyed by the Idempotency-Key header scoped to the
// method and route. The first request executes and its response is
// recorded; retries with the same key replay that response. Requests
// without the header pass through untouched.
func (s *Server) idempotency() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || c.Request.Method == http.MethodGet {
			c.Next()
			return
		}

		executed := false
		res, _ := s.orch.Idem.Do("http:"+c.Request.Method+" "+c.FullPath()+":"+key, func() (any, error) {
			executed = true
			rec := &replayRecorder{ResponseWriter: c.Writer}
			c.Writer = rec
			c.Next()
			return recordedResponse{status: rec.Status(), body: rec.body.Bytes()}, nil
		})
		if executed {
			return
		}
		c.Abort()
		saved := res.(recordedResponse)
		c.Data(saved.status, "application/json", saved.body)
	}
}

// actor reads the acting identity from the request headers.
func actor(c *gin.Context) access.Actor {
	return access.Actor{
		AgentID: c.GetHeader(HeaderAgentID),
		RoleID:  c.GetHeader(HeaderRoleID),
	}
}

// health reports component health: store reachability and provider probes.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	status := http.StatusOK

	if _, err := s.orch.Store().Teams().List(ctx); err != nil {
		checks["store"] = gin.H{"status": "unhealthy", "error": err.Error()}
		status = http.StatusServiceUnavailable
	} else {
		checks["store"] = gin.H{"status": "healthy"}
	}

	if db := s.orch.DB(); db != nil {
		dbHealth, err := database.Health(ctx, db)
		checks["database"] = dbHealth
		if err != nil {
			status = http.StatusServiceUnavailable
		}
	}

	providers := s.orch.Providers.CheckHealth(ctx)
	for _, report := range providers {
		entry := gin.H{"status": "healthy"}
		if !report.Healthy {
			entry = gin.H{"status": "degraded", "error": report.Error}
		}
		checks["provider:"+report.Provider] = entry
	}

	body := gin.H{"status": "healthy", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	c.JSON(status, body)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
