package handler

import (
	"net/http"

	"creditsystem/internal/auth"
	"creditsystem/internal/config"
	"creditsystem/internal/infrastructure/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// SetupRouter 配置路由
func SetupRouter(cfg *config.Config, log *logger.Logger, verifier auth.Verifier, h *Handler) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		user := api.Group("", AuthMiddleware(verifier))

		session := user.Group("/session")
		{
			session.POST("/create", h.CreateSession)
			session.POST("/start", h.StartSession)
			session.POST("/record-usage", h.RecordUsage)
			session.POST("/complete", h.CompleteSession)
			session.POST("/cancel", h.CancelSession)
			session.GET("/detail", h.GetSession)
			session.GET("/list", h.ListSessions)
		}

		credit := user.Group("/credit")
		{
			credit.GET("/balance", h.GetBalance)
			credit.GET("/transactions", h.ListTransactions)
			credit.GET("/transaction", h.GetTransaction)
			credit.POST("/evaluate-rules", h.EvaluateRules)
		}

		admin := api.Group("/admin", AdminMiddleware(cfg.Server.AdminKey))
		{
			admin.POST("/credit/grant", h.Grant)
			admin.POST("/credit/refund", h.Refund)
			admin.POST("/credit/adjust", h.Adjust)
			admin.GET("/credit/replay", h.Replay)
			admin.POST("/rule/upsert", h.UpsertRule)
			admin.GET("/rule/detail", h.GetRule)
			admin.GET("/rule/list", h.ListRules)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
