package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type createAPIKeyRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (h *Handler) CreateAPIKey(c *gin.Context) {
	accountID, err := h.accountID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "name is required"})
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(h.Clock.Now()) {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "expires_at is in the past"})
		return
	}

	meta, fullKey, err := h.Keys.Create(c.Request.Context(), accountID, req.Name, req.Description, req.ExpiresAt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"key":      fullKey,
		"metadata": meta,
	})
}

func (h *Handler) ListAPIKeys(c *gin.Context) {
	accountID, err := h.accountID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	keys, err := h.Keys.List(c.Request.Context(), accountID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func (h *Handler) RevokeAPIKey(c *gin.Context) {
	accountID, err := h.accountID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	keyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "bad key id"})
		return
	}

	if err := h.Keys.Revoke(c.Request.Context(), accountID, keyID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// VerifyAPIKey resolves an X-API-Key header to the owning account. Meant
// for other services fronting machine clients.
func (h *Handler) VerifyAPIKey(c *gin.Context) {
	presented := c.GetHeader("X-API-Key")
	if presented == "" {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing api key"})
		return
	}

	accountID, err := h.Keys.VerifyKey(c.Request.Context(), presented)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID})
}
