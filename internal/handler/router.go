package handler

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/portfolio-risk/api/internal/config"
	"github.com/portfolio-risk/api/internal/identity"
	"github.com/portfolio-risk/api/internal/middleware"
	"github.com/portfolio-risk/api/internal/pkg/validation"
)

// RegisterValidators adds the username, password, phone and code tags to
// gin's binding validator.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected binding validator %T", binding.Validator.Engine())
	}
	return validation.Register(v)
}

func NewRouter(
	cfg *config.Config,
	logger *zap.Logger,
	healthHandler *HealthHandler,
	accountHandler *AccountHandler,
	tokens middleware.TokenParser,
	limiter *middleware.RateLimiter,
) *gin.Engine {
	r := gin.New()

	// Global middleware (order matters!)
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.SecurityHeaders(cfg.Server.HTTPS))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.CORS))

	r.GET("/health", healthHandler.Shallow)
	r.GET("/health/ready", healthHandler.Ready)

	// Prometheus metrics endpoint (restrict to internal IPs in production)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		if limiter != nil {
			auth.Use(limiter.Middleware())
		}
		{
			auth.POST(identity.PathRegister, accountHandler.Register)
			auth.POST(identity.PathVerifyEmail, accountHandler.VerifyEmail)
			auth.POST(identity.PathVerifyPhone, accountHandler.VerifyPhone)
			auth.POST(identity.PathSetupTOTP, accountHandler.SetupTOTP)
			auth.POST(identity.PathVerifyTOTP, accountHandler.VerifyTOTP)
			auth.POST(identity.PathRequestOTP, accountHandler.RequestOTP)
			auth.POST(identity.PathLogin, accountHandler.Login)
			auth.POST(identity.PathLoginOTP, accountHandler.LoginOTP)
			auth.GET(identity.PathUserStatus+":user_id", accountHandler.UserStatus)

			auth.GET(identity.PathMe, middleware.JWTAuth(tokens), accountHandler.Me)
		}
	}

	return r
}
