// Package handlers is the HTTP transport: request parsing, route wiring,
// and the mapping from failure kinds to status codes. All decisions live in
// the layers below.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"log/slog"

	"github.com/careops/medstock-auth/internal/authfail"
	"github.com/careops/medstock-auth/internal/rate"
	"github.com/careops/medstock-auth/internal/security"
	"github.com/careops/medstock-auth/libs/authtoken"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Handler struct {
	Sessions     SessionService
	MFA          MFAService
	Keys         APIKeyService
	Logger       *slog.Logger
	LoginLimiter rate.Limiter
	Secret       []byte
	Clock        Clock
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func NewHandler(sessions SessionService, mfaSvc MFAService, keys APIKeyService, logger *slog.Logger, limiter rate.Limiter, secret []byte) *Handler {
	return &Handler{
		Sessions:     sessions,
		MFA:          mfaSvc,
		Keys:         keys,
		Logger:       logger,
		LoginLimiter: limiter,
		Secret:       secret,
		Clock:        systemClock{},
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")

	auth := v1.Group("/auth")
	auth.POST("/register", h.Register)
	auth.POST("/login", h.Login)
	auth.POST("/login/2fa", h.CompleteSecondFactor)
	auth.POST("/login/2fa/send-code", h.SendLoginEmailCode)
	auth.POST("/refresh", h.Refresh)
	auth.POST("/logout", h.Logout)
	auth.GET("/validate", h.Validate)
	auth.GET("/oauth/:provider/url", h.OAuthURL)
	auth.GET("/oauth/:provider/callback", h.OAuthCallback)

	authed := v1.Group("")
	authed.Use(authtoken.Middleware(h.Secret))
	authed.GET("/me", h.Me)
	authed.POST("/auth/logout-all", h.LogoutAll)

	authed.POST("/2fa/setup", h.SetupSecondFactor)
	authed.POST("/2fa/enable", h.EnableSecondFactor)
	authed.POST("/2fa/disable", h.DisableSecondFactor)
	authed.POST("/2fa/verify", h.VerifySecondFactor)
	authed.POST("/2fa/send-code", h.SendEmailCode)
	authed.POST("/2fa/backup-codes", h.RegenerateBackupCodes)
	authed.GET("/2fa/status", h.SecondFactorStatus)

	authed.POST("/apikeys", h.CreateAPIKey)
	authed.GET("/apikeys", h.ListAPIKeys)
	authed.DELETE("/apikeys/:id", h.RevokeAPIKey)

	v1.GET("/auth/verify-key", h.VerifyAPIKey)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	message := "internal error"

	switch authfail.KindOf(err) {
	case authfail.KindInvalidCredentials:
		status, code = http.StatusUnauthorized, "INVALID_CREDENTIALS"
	case authfail.KindAccountDeactivated:
		status, code = http.StatusForbidden, "ACCOUNT_DEACTIVATED"
	case authfail.KindPasswordLoginUnavailable:
		status, code = http.StatusBadRequest, "PASSWORD_LOGIN_UNAVAILABLE"
	case authfail.KindInvalidOrExpiredTempToken:
		status, code = http.StatusUnauthorized, "INVALID_TEMP_TOKEN"
	case authfail.KindInvalidSecondFactor:
		status, code = http.StatusUnauthorized, "INVALID_SECOND_FACTOR"
	case authfail.KindRateLimited:
		status, code = http.StatusTooManyRequests, "RATE_LIMITED"
		if retryAfter := authfail.RetryAfter(err); retryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
		}
	case authfail.KindDispatchFailed:
		status, code = http.StatusBadGateway, "DISPATCH_FAILED"
	case authfail.KindInvalidOrExpiredCode:
		status, code = http.StatusUnauthorized, "INVALID_CODE"
	case authfail.KindOAuthExchangeFailed:
		status, code = http.StatusBadGateway, "OAUTH_EXCHANGE_FAILED"
	case authfail.KindUnsupportedProvider:
		status, code = http.StatusBadRequest, "UNSUPPORTED_PROVIDER"
	case authfail.KindInvalidRefreshToken:
		status, code = http.StatusUnauthorized, "INVALID_REFRESH_TOKEN"
	case authfail.KindRefreshTokenExpired:
		status, code = http.StatusUnauthorized, "REFRESH_TOKEN_EXPIRED"
	case authfail.KindNotFound:
		status, code = http.StatusNotFound, "NOT_FOUND"
	case authfail.KindAlreadyEnabled:
		status, code = http.StatusConflict, "ALREADY_ENABLED"
	case authfail.KindNotEnabled:
		status, code = http.StatusConflict, "NOT_ENABLED"
	case authfail.KindEmailTaken:
		status, code = http.StatusConflict, "EMAIL_TAKEN"
	default:
		h.Logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, errorResponse{Code: code, Message: message})
		return
	}

	var failure *authfail.Error
	if errors.As(err, &failure) && failure.Message != "" {
		message = failure.Message
	}
	c.JSON(status, errorResponse{Code: code, Message: message})
}

// accountID pulls the subject set by the bearer middleware.
func (h *Handler) accountID(c *gin.Context) (uuid.UUID, error) {
	raw := c.GetString(authtoken.ContextAccountIDKey)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad subject %q: %w", raw, err)
	}
	return id, nil
}

// pendingSubject authenticates a mid-login request by its pending token.
func (h *Handler) pendingSubject(pendingToken string) (uuid.UUID, error) {
	claims, err := security.ParsePendingToken(pendingToken, h.Secret, h.Clock.Now())
	if err != nil {
		return uuid.Nil, authfail.InvalidOrExpiredTempToken()
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, authfail.InvalidOrExpiredTempToken()
	}
	return id, nil
}
