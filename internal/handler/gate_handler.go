package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/outpass-api/internal/service"
	appErrors "github.com/noah-isme/outpass-api/pkg/errors"
	"github.com/noah-isme/outpass-api/pkg/response"
)

// GateHandler exposes QR verification to gate terminals.
type GateHandler struct {
	gate *service.GateService
}

// NewGateHandler creates a new handler.
func NewGateHandler(gate *service.GateService) *GateHandler {
	return &GateHandler{gate: gate}
}

// Verify consumes a scanned pass token and records the exit or entry. Failed
// scans still carry the derived display status so the terminal can show the
// guard what state the pass is in.
func (h *GateHandler) Verify(c *gin.Context) {
	var req service.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "token is required"))
		return
	}

	outcome, err := h.gate.Verify(c.Request.Context(), req.Token)
	if err != nil {
		if outcome != nil {
			response.ErrorWithData(c, err, outcome)
			return
		}
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, outcome, nil)
}
