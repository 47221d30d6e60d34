package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/railtab/internal/audit/domain"
	"github.com/smallbiznis/railtab/internal/authorization"
	bgdomain "github.com/smallbiznis/railtab/internal/billinggroup/domain"
	"github.com/smallbiznis/railtab/internal/config"
	"github.com/smallbiznis/railtab/internal/observability"
	obslogger "github.com/smallbiznis/railtab/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/railtab/internal/observability/metrics"
	obstracing "github.com/smallbiznis/railtab/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/railtab/internal/payment/domain"
	"github.com/smallbiznis/railtab/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	allocationSvc bgdomain.AllocationService
	deletionSvc   bgdomain.DeletionService
	webhookSvc    paymentdomain.Service
	auditSvc      auditdomain.Service
	authzSvc      authorization.Service
	limiter       *ratelimit.Limiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	AllocationSvc bgdomain.AllocationService
	DeletionSvc   bgdomain.DeletionService
	WebhookSvc    paymentdomain.Service
	AuditSvc      auditdomain.Service
	AuthzSvc      authorization.Service `optional:"true"`
	Limiter       *ratelimit.Limiter    `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		allocationSvc: p.AllocationSvc,
		deletionSvc:   p.DeletionSvc,
		webhookSvc:    p.WebhookSvc,
		auditSvc:      p.AuditSvc,
		authzSvc:      p.AuthzSvc,
		limiter:       p.Limiter,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)

	api := s.engine.Group("/api", s.TenantContext())

	payments := api.Group("/payments/:id")
	payments.POST("/allocations",
		s.RateLimit("payment.allocate"),
		s.authorizeOrgAction(authorization.ObjectPayment, authorization.ActionPaymentAllocate),
		s.AllocatePayment,
	)
	payments.POST("/allocations/reverse",
		s.RateLimit("payment.reverse"),
		s.authorizeOrgAction(authorization.ObjectPayment, authorization.ActionPaymentReverse),
		s.ReversePaymentAllocation,
	)

	groups := api.Group("/billing-groups/:id")
	groups.GET("/validate-deletion",
		s.authorizeOrgAction(authorization.ObjectBillingGroup, authorization.ActionBillingGroupValidateDeletion),
		s.ValidateBillingGroupDeletion,
	)
	groups.DELETE("",
		s.RateLimit("billing_group.delete"),
		s.authorizeOrgAction(authorization.ObjectBillingGroup, authorization.ActionBillingGroupDelete),
		s.DeleteBillingGroup,
	)

	api.POST("/tabs/:id/billing-groups/default",
		s.RateLimit("billing_group.create_default"),
		s.authorizeOrgAction(authorization.ObjectBillingGroup, authorization.ActionBillingGroupCreateDefault),
		s.CreateDefaultBillingGroup,
	)

	api.GET("/audit-logs",
		s.authorizeOrgAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView),
		s.ListAuditLogs,
	)
}
