package handler

import (
	"crypto/subtle"
	"strings"
	"time"

	"creditsystem/internal/auth"
	"creditsystem/internal/infrastructure/logger"
	"creditsystem/pkg/response"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const (
	ctxAccountID   = "account_id"
	headerAdminKey = "X-Admin-Key"
)

// LoggerMiddleware 日志中间件
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if query != "" {
			path = path + "?" + query
		}
		fields := []interface{}{
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
		}
		if id, ok := c.Get(ctxAccountID); ok {
			fields = append(fields, "account_id", id)
		}
		if c.Writer.Status() >= 500 {
			log.Warn("[HTTP]", fields...)
			return
		}
		log.Info("[HTTP]", fields...)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("[PANIC]", "error", err, "path", c.Request.URL.Path)
				response.ServerError(c, "服务器内部错误")
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", headerAdminKey},
		MaxAge:          12 * time.Hour,
	})
}

// AuthMiddleware 校验 Bearer 凭证，通过后 accountId 写入上下文
func AuthMiddleware(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			response.Unauthorized(c, "缺少认证信息")
			return
		}

		id, err := verifier.VerifyCaller(c.Request.Context(), strings.TrimSpace(token))
		if err != nil {
			response.Unauthorized(c, "认证失败")
			return
		}
		c.Set(ctxAccountID, id)
		c.Next()
	}
}

// AdminMiddleware 管理端接口校验 X-Admin-Key，未配置 admin_key 时管理端整体关闭
func AdminMiddleware(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			response.Forbidden(c, "管理端未启用")
			return
		}
		got := c.GetHeader(headerAdminKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(adminKey)) != 1 {
			response.Forbidden(c, "无管理权限")
			return
		}
		c.Next()
	}
}

func accountID(c *gin.Context) string {
	return c.GetString(ctxAccountID)
}
