package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/warung/internal/config"
	"github.com/smallbiznis/warung/internal/observability"
	obsmiddleware "github.com/smallbiznis/warung/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/warung/internal/observability/metrics"
	obstracing "github.com/smallbiznis/warung/internal/observability/tracing"
	"github.com/smallbiznis/warung/internal/order/gateway"
	"github.com/smallbiznis/warung/internal/order/realtime"
	"github.com/smallbiznis/warung/internal/order/store"
	"github.com/smallbiznis/warung/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, businessID, deviceID string) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		BusinessID:      businessID,
		DeviceID:        deviceID,
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, cfg config.Config) *gin.Engine {
	return NewEngine(obsCfg, formatID(cfg.BusinessID), cfg.DeviceID)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// Server exposes the table/order engine to the till front end and to the
// transport pushing remote change notifications.
type Server struct {
	engine   *gin.Engine
	cfg      config.Config
	gateway  *gateway.Gateway
	store    *store.Store
	listener *realtime.Listener
	limiter  *ratelimit.IngestLimiter
	metrics  *obsmetrics.EngineMetrics
	log      *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Cfg      config.Config
	Gateway  *gateway.Gateway
	Store    *store.Store
	Listener *realtime.Listener
	Limiter  *ratelimit.IngestLimiter  `optional:"true"`
	Metrics  *obsmetrics.EngineMetrics `optional:"true"`
	Log      *zap.Logger
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:   p.Gin,
		cfg:      p.Cfg,
		gateway:  p.Gateway,
		store:    p.Store,
		listener: p.Listener,
		limiter:  p.Limiter,
		metrics:  p.Metrics,
		log:      p.Log.Named("http"),
	}

	svc.registerHealthRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		status := "ok"
		if s.gateway.Offline() {
			status = "offline"
		}
		c.JSON(http.StatusOK, gin.H{"status": status, "version": s.store.Version()})
	})
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Tables --------
	api.GET("/tables", s.ListTables)
	api.GET("/tables/:id", s.GetTable)
	api.PUT("/focus", s.SetFocus)

	// -------- Intents --------
	api.POST("/intents", s.DispatchIntent)

	// -------- Settlement --------
	api.POST("/settlement/preview", s.PreviewSettlement)
	api.GET("/orders/:id/settlement-status", s.GetSettlementStatus)

	// -------- Realtime --------
	api.GET("/events", s.StreamChanges)
	api.POST("/notifications", s.NotificationRateLimit(), s.IngestNotification)
}
