package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/careops/medstock-auth/internal/mfa"
)

type enableSecondFactorRequest struct {
	Secret string `json:"secret"`
	Code   string `json:"code"`
}

type disableSecondFactorRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

type backupCodesRequest struct {
	Code string `json:"code"`
}

type verifySecondFactorRequest struct {
	Factor string `json:"factor"`
	Code   string `json:"code"`
}

func (h *Handler) SetupSecondFactor(c *gin.Context) {
	accountID, err := h.accountID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	setup, err := h.MFA.GenerateSetup(c.Request.Context(), accountID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"secret":           setup.Secret,
		"provisioning_uri": setup.ProvisioningURI,
	})
}

func (h *Handler) EnableSecondFactor(c *gin.Context) {
	accountID, err := h.accountID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req enableSecondFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Secret == "" || req.Code == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "secret and code are required"})
		return
	}

	backupCodes, err := h.MFA.VerifyAndEnable(c.Request.Context(), accountID, req.Secret, req.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	// the only time the plaintext backup codes leave the service
	c.JSON(http.StatusOK, gin.H{"backup_codes": backupCodes})
}

func (h *Handler) DisableSecondFactor(c *gin.Context) {
	accountID, err := h.accountID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req disableSecondFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Password == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "password is required"})
		return
	}

	if err := h.MFA.Disable(c.Request.Context(), accountID, req.Password, req.Code); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// VerifySecondFactor checks a code for an already established session,
// for step-up confirmation of sensitive actions. No tokens are issued.
func (h *Handler) VerifySecondFactor(c *gin.Context) {
	accountID, err := h.accountID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req verifySecondFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "factor and code are required"})
		return
	}
	factor, err := mfa.ParseFactor(req.Factor)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "unknown factor"})
		return
	}

	if err := h.MFA.Verify(c.Request.Context(), accountID, factor, req.Code); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

func (h *Handler) SendEmailCode(c *gin.Context) {
	accountID, err := h.accountID(c)
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

func (h *Handler) RegenerateBackupCodes(c *gin.Context) {
	accountID, err := h.accountID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req backupCodesRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "code is required"})
		return
	}

	codes, err := h.MFA.RegenerateBackupCodes(c.Request.Context(), accountID, req.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup_codes": codes})
}

func (h *Handler) SecondFactorStatus(c *gin.Context) {
	accountID, err := h.accountID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status, err := h.MFA.Status(c.Request.Context(), accountID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":                status.Enabled,
		"verified_at":            status.VerifiedAt,
		"backup_codes_remaining": status.BackupCodesRemaining,
	})
}
