package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"theodore-ai-api/pkg/logger"
)

const (
	// RequestIDHeader 请求 ID 头
	RequestIDHeader = "X-Request-ID"
	maxRequestIDLen = 128
)

// RequestID 注入请求 ID，路由带 :name 时同时把索引名写入日志上下文
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)

		ctx := logger.WithContext(c.Request.Context(), logger.RequestIDKey, requestID)
		if index := c.Param("name"); index != "" {
			ctx = logger.WithContext(ctx, logger.IndexKey, index)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// validRequestID 只接受可打印 ASCII，防止日志与响应头注入
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
