package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/careops/medstock-auth/internal/authfail"
	"github.com/careops/medstock-auth/internal/mfa"
	"github.com/careops/medstock-auth/internal/session"
	"github.com/careops/medstock-auth/libs/authtoken"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type secondFactorRequest struct {
	PendingToken string `json:"pending_token"`
	Factor       string `json:"factor"`
	Code         string `json:"code"`
}

type sendCodeRequest struct {
	PendingToken string `json:"pending_token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type loginResponse struct {
	RequiresSecondFactor bool                 `json:"requires_second_factor"`
	PendingToken         string               `json:"pending_token,omitempty"`
	Tokens               *session.TokenPair   `json:"tokens,omitempty"`
	Account              *session.AccountInfo `json:"account,omitempty"`
}

func loginResponseOf(result *session.LoginResult) loginResponse {
	resp := loginResponse{
		RequiresSecondFactor: result.RequiresSecondFactor,
		PendingToken:         result.PendingToken,
		Tokens:               result.Tokens,
	}
	if result.Account.Email != "" {
		account := result.Account
		resp.Account = &account
	}
	return resp
}

func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "email and a password of at least 8 characters are required"})
		return
	}

	info, err := h.Sessions.Register(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)), req.Password, req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	if h.LoginLimiter != nil {
		allowed, retryAfter, err := h.LoginLimiter.Allow(c.Request.Context(), "login:"+c.ClientIP(), h.Clock.Now())
		if err != nil {
			h.Logger.Error("login limiter", "error", err)
		} else if !allowed {
			h.respondError(c, authfail.RateLimited(retryAfter))
			return
		}
	}

	result, err := h.Sessions.Login(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)), req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponseOf(result))
}

func (h *Handler) CompleteSecondFactor(c *gin.Context) {
	var req secondFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	factor, err := mfa.ParseFactor(req.Factor)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "unknown factor"})
		return
	}

	result, err := h.Sessions.CompleteSecondFactor(c.Request.Context(), req.PendingToken, factor, req.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponseOf(result))
}

// SendLoginEmailCode dispatches an email code mid-login, authenticated by
// the pending token rather than a session.
func (h *Handler) SendLoginEmailCode(c *gin.Context) {
	var req sendCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	accountID, err := h.pendingSubject(req.PendingToken)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.MFA.SendEmailOTP(c.Request.Context(), accountID, mfa.PurposeSecondFactor); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "refresh_token is required"})
		return
	}

	pair, err := h.Sessions.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h *Handler) Logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "refresh_token is required"})
		return
	}

	if err := h.Sessions.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

func (h *Handler) LogoutAll(c *gin.Context) {
	accountID, err := h.accountID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.Sessions.LogoutAll(c.Request.Context(), accountID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// Validate lets other services check a bearer token without sharing the
// signing secret.
func (h *Handler) Validate(c *gin.Context) {
	token := authtoken.ExtractBearer(c.GetHeader("Authorization"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing token"})
		return
	}

	claims, err := h.Sessions.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": claims.Subject,
		"email":      claims.Email,
		"name":       claims.Name,
		"expires_at": claims.ExpiresAt.Time,
	})
}

func (h *Handler) Me(c *gin.Context) {
	token := authtoken.ExtractBearer(c.GetHeader("Authorization"))
	claims, err := h.Sessions.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": claims.Subject,
		"email":      claims.Email,
		"name":       claims.Name,
	})
}
