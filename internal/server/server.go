package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	checkoutdomain "github.com/smallbiznis/billingsync/internal/checkout/domain"
	"github.com/smallbiznis/billingsync/internal/config"
	"github.com/smallbiznis/billingsync/internal/observability"
	obslogger "github.com/smallbiznis/billingsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/billingsync/internal/observability/metrics"
	obstracing "github.com/smallbiznis/billingsync/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/billingsync/internal/payment/domain"
	reconciledomain "github.com/smallbiznis/billingsync/internal/reconcile/domain"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/billingsync/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxWebhookBytes = 1 << 20

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
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
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine          *gin.Engine
	log             *zap.Logger
	subscriptionSvc subscriptiondomain.Service
	paymentSvc      paymentdomain.Service
	checkoutSvc     checkoutdomain.Service
	reconcileSvc    reconciledomain.Service
	dispatcher      webhookdomain.Dispatcher
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Log             *zap.Logger
	SubscriptionSvc subscriptiondomain.Service
	PaymentSvc      paymentdomain.Service
	CheckoutSvc     checkoutdomain.Service
	ReconcileSvc    reconciledomain.Service
	Dispatcher      webhookdomain.Dispatcher
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		log:             p.Log.Named("http.server"),
		subscriptionSvc: p.SubscriptionSvc,
		paymentSvc:      p.PaymentSvc,
		checkoutSvc:     p.CheckoutSvc,
		reconcileSvc:    p.ReconcileSvc,
		dispatcher:      p.Dispatcher,
	}

	svc.registerWebhookRoutes()
	svc.registerBillingRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/stripe", s.HandleStripeWebhook)
}

func (s *Server) registerBillingRoutes() {
	billing := s.engine.Group("/api/billing", TenantRequired())

	billing.POST("/checkout", s.CreateCheckout)
	billing.GET("/subscription", s.GetSubscription)
	billing.PATCH("/subscription", s.ChangePlan)
	billing.POST("/subscription/cancel", s.CancelSubscription)
	billing.GET("/payments", s.ListPayments)
	billing.POST("/sync", s.SyncSubscription)
	billing.GET("/summary", s.GetSummary)
}
