package handlers

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/careops/medstock-auth/internal/oauth"
)

const oauthStateCookie = "medstock_oauth_state"

// OAuthURL returns the provider consent URL and pins the anti-CSRF state in
// a short-lived cookie.
func (h *Handler) OAuthURL(c *gin.Context) {
	provider, err := oauth.ParseProvider(c.Param("provider"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	state, err := randomState()
	if err != nil {
		h.respondError(c, fmt.Errorf("generate state: %w", err))
		return
	}

	url, err := h.Sessions.OAuthURL(provider, state)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(oauthStateCookie, state, 600, "/", "", true, true)
	c.JSON(http.StatusOK, gin.H{"url": url, "state": state})
}

func (h *Handler) OAuthCallback(c *gin.Context) {
	provider, err := oauth.ParseProvider(c.Param("provider"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "code and state are required"})
		return
	}

	expected, err := c.Cookie(oauthStateCookie)
	if err != nil || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_STATE", Message: "state mismatch"})
		return
	}
	c.SetCookie(oauthStateCookie, "", -1, "/", "", true, true)

	result, err := h.Sessions.OAuthLogin(c.Request.Context(), provider, code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponseOf(result))
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
