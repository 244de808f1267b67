package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/storesuite/billing/internal/analytics"
	analyticsdomain "github.com/storesuite/billing/internal/analytics/domain"
	"github.com/storesuite/billing/internal/balance"
	balancedomain "github.com/storesuite/billing/internal/balance/domain"
	"github.com/storesuite/billing/internal/clock"
	"github.com/storesuite/billing/internal/config"
	"github.com/storesuite/billing/internal/ledger"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	"github.com/storesuite/billing/internal/merchant"
	merchantdomain "github.com/storesuite/billing/internal/merchant/domain"
	obslogger "github.com/storesuite/billing/internal/observability/logger"
	obsmetrics "github.com/storesuite/billing/internal/observability/metrics"
	obstracing "github.com/storesuite/billing/internal/observability/tracing"
	"github.com/storesuite/billing/internal/planswitch"
	"github.com/storesuite/billing/internal/scheduler"
	"github.com/storesuite/billing/internal/subscription"
	subscriptiondomain "github.com/storesuite/billing/internal/subscription/domain"
	"github.com/storesuite/billing/internal/voucher"
	voucherdomain "github.com/storesuite/billing/internal/voucher/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	merchant.Module,
	ledger.Module,
	balance.Module,
	voucher.Module,
	subscription.Module,
	planswitch.Module,
	analytics.Module,
	scheduler.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !cfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           cfg.Debug(),
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

func registerGin(cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(cfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	clock           clock.Clock
	merchantSvc     merchantdomain.Service
	ledgerSvc       ledgerdomain.Service
	balanceSvc      balancedomain.Service
	voucherSvc      voucherdomain.Service
	subscriptionSvc subscriptiondomain.Service
	analyticsSvc    analyticsdomain.Service
	coordinator     *planswitch.Coordinator
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	Clock           clock.Clock
	MerchantSvc     merchantdomain.Service
	LedgerSvc       ledgerdomain.Service
	BalanceSvc      balancedomain.Service
	VoucherSvc      voucherdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	AnalyticsSvc    analyticsdomain.Service
	Coordinator     *planswitch.Coordinator
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		clock:           p.Clock,
		merchantSvc:     p.MerchantSvc,
		ledgerSvc:       p.LedgerSvc,
		balanceSvc:      p.BalanceSvc,
		voucherSvc:      p.VoucherSvc,
		subscriptionSvc: p.SubscriptionSvc,
		analyticsSvc:    p.AnalyticsSvc,
		coordinator:     p.Coordinator,
	}

	svc.registerMerchantRoutes()
	svc.registerInternalRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerMerchantRoutes() {
	api := s.engine.Group("/api/v1", s.APIKeyRequired())

	api.GET("/balance", s.GetBalance)
	api.GET("/balance/usage-summary", s.GetUsageSummary)
	api.GET("/balance/transactions", s.ListTransactions)
	api.GET("/balance/transactions/export", s.ExportTransactions)
	api.POST("/vouchers/redeem", s.RedeemVoucher)
	api.GET("/subscription", s.GetSubscription)
	api.GET("/subscription/can-switch", s.CanSwitchPlan)
	api.POST("/subscription/switch", s.SwitchPlan)
	api.GET("/subscription/history", s.SubscriptionHistory)
	api.GET("/lock-status", s.LockStatus)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal/v1")

	internal.POST("/orders/debit", s.DebitOrderFee)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin/v1")

	admin.POST("/merchants", s.OnboardMerchant)
	admin.POST("/merchants/:id/topup", s.TopupBalance)
	admin.POST("/merchants/:id/refund", s.RefundBalance)
	admin.POST("/merchants/:id/adjust", s.AdjustBalance)
	admin.POST("/merchants/:id/subscription/mark-paid", s.MarkPeriodPaid)
	admin.POST("/merchants/:id/subscription/cancel", s.CancelSubscription)
	admin.POST("/merchants/:id/vouchers", s.CreateVoucher)
	admin.POST("/merchants/:id/vouchers/:code/deactivate", s.DeactivateVoucher)
}
