package handler

import (
	"net/http"

	"genledger/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, cfg *config.Config, gatherer prometheus.Gatherer, log zerolog.Logger) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 账户相关
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/transactions", h.ListTransactions)
			account.POST("/open", h.OpenAccount)
		}

		// 生成任务相关
		generation := api.Group("/generation")
		{
			generation.POST("/submit", h.SubmitGeneration)
			generation.GET("/detail", h.GetGeneration)
			generation.GET("/list", h.ListGenerations)
		}

		api.GET("/pricing/quote", h.Quote)
	}

	// 供应商回调
	r.POST("/webhook/:provider", h.Webhook)

	// 运维接口
	admin := r.Group("/admin", AdminAuth(cfg.Admin.JWTSecret, cfg.Admin.Role, log))
	{
		admin.POST("/reconcile/sweep", h.Sweep)
		admin.GET("/audit", h.Audit)
		admin.POST("/repair/generation/fail", h.ForceFailGeneration)
		admin.POST("/repair/debit/refund", h.RefundOrphanedDebit)
		admin.POST("/repair/account", h.RepairAccount)
		admin.POST("/credits/grant", h.GrantCredits)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}

// WithCORS 跨域处理放在 gin 之外，预检请求不进入路由
func WithCORS(next http.Handler, allowedOrigins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", "X-Signature"},
		MaxAge:         86400,
	})
	return c.Handler(next)
}
