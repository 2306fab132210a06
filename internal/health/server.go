package health

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/systemsim/parsim/internal/config"
	"github.com/systemsim/parsim/internal/rt"
)

// Server is the per-rank control-plane HTTP endpoint: health, status, and
// the operator-triggered real-time actions (checkpoint, shutdown).
type Server struct {
	cfg     config.ServerConfig
	checker *Checker
	control rt.SimulationControl
	engine  *gin.Engine
}

// NewServer builds the control-plane server around a health checker.
func NewServer(cfg config.ServerConfig, checker *Checker, control rt.SimulationControl) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:     cfg,
		checker: checker,
		control: control,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api/v1")
	api.GET("/status", s.handleStatus)
	api.POST("/checkpoint", s.handleCheckpoint)
	api.POST("/shutdown", s.handleShutdown)
}

// Run serves until the listener fails; call it from its own goroutine.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	logrus.WithField("addr", addr).Info("control plane listening")
	return s.engine.Run(addr)
}

// Engine exposes the router for tests.
func (s *Server) Engine() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	report := s.checker.CheckHealth()
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) handleStatus(c *gin.Context) {
	rank := s.control.Rank()
	c.JSON(http.StatusOK, gin.H{
		"status":    "active",
		"rank":      rank.Rank,
		"sim_time":  s.control.ElapsedSimTime(),
		"sim_cycle": s.control.CurrentSimCycle(),
	})
}

func (s *Server) handleCheckpoint(c *gin.Context) {
	cycle := s.control.CurrentSimCycle()
	s.control.ScheduleCheckpoint(cycle)
	c.JSON(http.StatusAccepted, gin.H{
		"message":   "checkpoint scheduled",
		"sim_cycle": cycle,
	})
}

func (s *Server) handleShutdown(c *gin.Context) {
	s.control.SignalShutdown(false)
	c.JSON(http.StatusAccepted, gin.H{"message": "shutdown requested"})
}
