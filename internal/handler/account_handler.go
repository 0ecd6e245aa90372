package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/portfolio-risk/api/internal/identity"
	"github.com/portfolio-risk/api/internal/middleware"
	"github.com/portfolio-risk/api/internal/pkg/apperror"
	"github.com/portfolio-risk/api/internal/pkg/response"
	"github.com/portfolio-risk/api/internal/pkg/validation"
)

// AccountService is the registration and login surface served over HTTP.
type AccountService interface {
	Register(ctx context.Context, req identity.RegisterRequest, clientIP, userAgent string) (*identity.RegisterResponse, error)
	VerifyEmail(ctx context.Context, req identity.CodeRequest, clientIP, userAgent string) (*identity.VerificationResponse, error)
	VerifyPhone(ctx context.Context, req identity.CodeRequest, clientIP, userAgent string) (*identity.VerificationResponse, error)
	SetupTOTP(ctx context.Context, req identity.SetupTOTPRequest, clientIP, userAgent string) (*identity.SetupTOTPResponse, error)
	VerifyTOTP(ctx context.Context, req identity.VerifyTOTPRequest, clientIP, userAgent string) (*identity.VerificationResponse, error)
	RequestOTP(ctx context.Context, req identity.RequestOTPRequest, clientIP, userAgent string) (*identity.VerificationResponse, error)
	Login(ctx context.Context, req identity.LoginRequest, clientIP, userAgent string) (*identity.LoginResponse, error)
	LoginOTP(ctx context.Context, req identity.LoginOTPRequest, clientIP, userAgent string) (*identity.LoginResponse, error)
	UserStatus(ctx context.Context, userID int64) (*identity.UserStatusResponse, error)
	Profile(ctx context.Context, userID int64) (*identity.ProfileResponse, error)
}

// AccountHandler serves /api/v1/auth. Business rejections (wrong code,
// cooldown, step not reached) come back as 200 with success=false; hard
// failures are problem documents.
type AccountHandler struct {
	service AccountService
}

func NewAccountHandler(service AccountService) *AccountHandler {
	return &AccountHandler{service: service}
}

// bind decodes the JSON body and writes a 400 problem on failure.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.Error(c, apperror.ValidationError(
			"Request body is invalid",
			"Correct the listed fields and try again",
		).WithErrors(validation.Map(err)))
		return false
	}
	return true
}

// Register handles POST /api/v1/auth/register-step1
func (h *AccountHandler) Register(c *gin.Context) {
	var req identity.RegisterRequest
	if !bind(c, &req) {
		return
	}

	resp, err := h.service.Register(c.Request.Context(), req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		response.ErrorFromErr(c, err)
		return
	}
	response.Created(c, resp)
}

// VerifyEmail handles POST /api/v1/auth/verify-email
func (h *AccountHandler) VerifyEmail(c *gin.Context) {
	var req identity.CodeRequest
	if !bind(c, &req) {
		return
	}

	resp, err := h.service.VerifyEmail(c.Request.Context(), req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		response.ErrorFromErr(c, err)
		return
	}
	response.Success(c, resp)
}

// VerifyPhone handles POST /api/v1/auth/verify-phone
func (h *AccountHandler) VerifyPhone(c *gin.Context) {
	var req identity.CodeRequest
	if !bind(c, &req) {
		return
	}

	resp, err := h.service.VerifyPhone(c.Request.Context(), req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		response.ErrorFromErr(c, err)
		return
	}
	response.Success(c, resp)
}

// SetupTOTP handles POST /api/v1/auth/setup-totp
func (h *AccountHandler) SetupTOTP(c *gin.Context) {
	var req identity.SetupTOTPRequest
	if !bind(c, &req) {
		return
	}

	resp, err := h.service.SetupTOTP(c.Request.Context(), req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		response.ErrorFromErr(c, err)
		return
	}
	response.Success(c, resp)
}

// VerifyTOTP handles POST /api/v1/auth/verify-totp
func (h *AccountHandler) VerifyTOTP(c *gin.Context) {
	var req identity.VerifyTOTPRequest
	if !bind(c, &req) {
		return
	}

	resp, err := h.service.VerifyTOTP(c.Request.Context(), req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		response.ErrorFromErr(c, err)
		return
	}
	response.Success(c, resp)
}

// RequestOTP handles POST /api/v1/auth/request-otp
func (h *AccountHandler) RequestOTP(c *gin.Context) {
	var req identity.RequestOTPRequest
	if !bind(c, &req) {
		return
	}

	resp, err := h.service.RequestOTP(c.Request.Context(), req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		response.ErrorFromErr(c, err)
		return
	}
	response.Success(c, resp)
}

// Login handles POST /api/v1/auth/login
func (h *AccountHandler) Login(c *gin.Context) {
	var req identity.LoginRequest
	if !bind(c, &req) {
		return
	}

	resp, err := h.service.Login(c.Request.Context(), req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		response.ErrorFromErr(c, err)
		return
	}
	response.Success(c, resp)
}

// LoginOTP handles POST /api/v1/auth/login-otp
func (h *AccountHandler) LoginOTP(c *gin.Context) {
	var req identity.LoginOTPRequest
	if !bind(c, &req) {
		return
	}

	resp, err := h.service.LoginOTP(c.Request.Context(), req, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		response.ErrorFromErr(c, err)
		return
	}
	response.Success(c, resp)
}

// UserStatus handles GET /api/v1/auth/user-status/:user_id
func (h *AccountHandler) UserStatus(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.Error(c, apperror.ValidationError("user_id must be a positive integer", "Check the user id"))
		return
	}

	resp, err := h.service.UserStatus(c.Request.Context(), userID)
	if err != nil {
		response.ErrorFromErr(c, err)
		return
	}
	response.Success(c, resp)
}

// Me handles GET /api/v1/auth/me. Requires JWTAuth.
func (h *AccountHandler) Me(c *gin.Context) {
	userID := c.GetInt64(middleware.UserIDKey)
	if userID == 0 {
		response.Error(c, apperror.AuthenticationError("Missing bearer token", "Log in to obtain an access token"))
		return
	}

	resp, err := h.service.Profile(c.Request.Context(), userID)
	if err != nil {
		response.ErrorFromErr(c, err)
		return
	}
	response.Success(c, resp)
}
