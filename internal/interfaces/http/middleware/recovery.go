package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"theodore-ai-api/pkg/errors"
	"theodore-ai-api/pkg/logger"
)

// Recovery Panic 恢复中间件
// 响应已开始写出时（如 SSE 流）只能中断连接，不再写错误体
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			logger.Error(c.Request.Context(), "panic recovered",
				fmt.Errorf("%v", rec),
				"stack", string(debug.Stack()),
				"route", c.FullPath(),
				"method", c.Request.Method,
			)

			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":     errors.CodeInternalError,
				"message":  "internal server error",
				"trace_id": c.GetString("trace_id"),
			})
		}()

		c.Next()
	}
}
