package handler

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"genledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const ctxOperator = "operator"

// LoggerMiddleware 请求日志
func LoggerMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		if query != "" {
			path = path + "?" + query
		}
		ev.Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Msg("HTTP")
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("panic", err).Str("path", c.Request.URL.Path).Msg("PANIC")
				response.Abort(c, http.StatusInternalServerError, response.CodeServerError, "服务器内部错误")
			}
		}()
		c.Next()
	}
}

// AdminClaims 运维令牌，subject 记为操作人
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth 校验 Bearer JWT（HMAC）并要求指定角色
func AdminAuth(secret, role string, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "缺少运维令牌")
			return
		}

		claims := &AdminClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("运维令牌无效")
			response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "运维令牌无效或已过期")
			return
		}
		if claims.Role != role {
			response.Abort(c, http.StatusForbidden, response.CodeForbidden, "权限不足")
			return
		}

		operator := claims.Subject
		if operator == "" {
			operator = "admin"
		}
		c.Set(ctxOperator, operator)
		c.Next()
	}
}

// UserLimiter 按用户限制提交频率，每个用户一个令牌桶
type UserLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userBucket
	limit    rate.Limit
	burst    int
	idle     time.Duration
	lastGC   time.Time
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var errRateLimited = errors.New("提交过于频繁，请稍后再试")

func NewUserLimiter(perSecond float64, burst int) *UserLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &UserLimiter{
		limiters: make(map[string]*userBucket),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		lastGC:   time.Now(),
	}
}

// Allow perSecond <= 0 时不限流
func (l *UserLimiter) Allow(userID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > l.idle {
		for id, b := range l.limiters {
			if now.Sub(b.lastSeen) > l.idle {
				delete(l.limiters, id)
			}
		}
		l.lastGC = now
	}

	b, ok := l.limiters[userID]
	if !ok {
		b = &userBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func operatorOf(c *gin.Context) string {
	if v, ok := c.Get(ctxOperator); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "admin"
}
