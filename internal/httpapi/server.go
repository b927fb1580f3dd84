// Package httpapi exposes the metering service over HTTP: job submission
// and tracking for users, outcome reporting for the executor, and account
// administration behind a bearer token.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reelcher/metering/internal/queue"
	"github.com/reelcher/metering/pkg/credit"
)

const userIDHeader = "X-User-ID"

// Config carries the HTTP surface settings.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	AdminToken      string
	ShutdownTimeout time.Duration
}

// Server serves the metering API.
type Server struct {
	config  Config
	logger  *zap.Logger
	manager *queue.Manager
	credits *credit.Service
	router  *gin.Engine
}

// NewServer wires the router over the queue manager and credit service.
func NewServer(config Config, manager *queue.Manager, credits *credit.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	server := &Server{
		config:  config,
		logger:  logger,
		manager: manager,
		credits: credits,
	}
	server.router = server.setupRouter()
	return server
}

// Handler returns the HTTP handler, mainly for tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.config.ShutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization", userIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	user := api.Group("")
	user.Use(server.userIdentity())
	user.POST("/search/jobs", server.handleSubmitJob)
	user.GET("/search/jobs/:id", server.handleJobStatus)
	user.DELETE("/search/jobs/:id", server.handleCancelJob)
	user.GET("/wallet", server.handleWallet)

	service := api.Group("")
	service.Use(server.bearerAuth())
	service.POST("/search/jobs/:id/outcome", server.handleJobOutcome)

	admin := api.Group("/admin")
	admin.Use(server.bearerAuth())
	admin.POST("/accounts", server.handleOnboard)
	admin.PUT("/accounts/:id/plan", server.handleChangePlan)
	admin.POST("/accounts/:id/adjustments", server.handleAdjust)
	admin.DELETE("/accounts/:id", server.handleCloseAccount)
	admin.POST("/renewals", server.handleRenewSweep)

	return router
}

func (server *Server) userIdentity() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID, err := credit.NewUserID(ctx.GetHeader(userIDHeader))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user identity"))
			return
		}
		ctx.Set("user_id", userID)
		ctx.Next()
	}
}

func (server *Server) bearerAuth() gin.HandlerFunc {
	expected := "Bearer " + server.config.AdminToken
	return func(ctx *gin.Context) {
		if server.config.AdminToken == "" || ctx.GetHeader("Authorization") != expected {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "bad token"))
			return
		}
		ctx.Next()
	}
}

func requestUserID(ctx *gin.Context) credit.UserID {
	value, _ := ctx.Get("user_id")
	userID, _ := value.(credit.UserID)
	return userID
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
