package middleware

import (
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/pkg/apperror"
	"github.com/portfolio-risk/api/internal/pkg/logger"
	"github.com/portfolio-risk/api/internal/pkg/response"
)

func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithRequestID(log, c.GetString(RequestIDKey)).Error("Panic recovered",
					zap.Any("error", err),
					zap.ByteString("stack", debug.Stack()),
				)
				response.Error(c, apperror.InternalError("Unexpected server error", "Please try again later"))
				c.Abort()
			}
		}()
		c.Next()
	}
}
