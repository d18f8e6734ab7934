package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/outpass-api/internal/models"
	"github.com/noah-isme/outpass-api/internal/repository"
	"github.com/noah-isme/outpass-api/internal/service"
	appErrors "github.com/noah-isme/outpass-api/pkg/errors"
	"github.com/noah-isme/outpass-api/pkg/export"
	"github.com/noah-isme/outpass-api/pkg/qrimage"
	"github.com/noah-isme/outpass-api/pkg/response"
)

// OutpassHandler wires lifecycle, projection, and export endpoints.
type OutpassHandler struct {
	lifecycle   *service.OutpassService
	projections *service.ProjectionService
	qrCache     *repository.QRCacheRepository
	csv         *export.CSVExporter
	pdf         *export.PDFExporter
	logger      *zap.Logger
	imageTTL    time.Duration
}

// NewOutpassHandler creates a new handler.
func NewOutpassHandler(
	lifecycle *service.OutpassService,
	projections *service.ProjectionService,
	qrCache *repository.QRCacheRepository,
	logger *zap.Logger,
	imageTTL time.Duration,
) *OutpassHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if imageTTL <= 0 {
		imageTTL = 5 * time.Minute
	}
	return &OutpassHandler{
		lifecycle:   lifecycle,
		projections: projections,
		qrCache:     qrCache,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
		logger:      logger,
		imageTTL:    imageTTL,
	}
}

// Submit creates a pending request for the authenticated student.
func (h *OutpassHandler) Submit(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.SubmitOutpassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid outpass payload"))
		return
	}

	op, err := h.lifecycle.Submit(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, op)
}

// Mine lists the authenticated student's own requests.
func (h *OutpassHandler) Mine(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := filterFromQuery(c)
	filter.StudentID = claims.UserID

	views, pagination, err := h.projections.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, views, pagination)
}

// MineActive lists the student's live approved passes.
func (h *OutpassHandler) MineActive(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	views, err := h.projections.ListActive(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, views, nil)
}

// CurrentPassImage renders the student's scannable pass as a QR image.
func (h *OutpassHandler) CurrentPassImage(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	_, token, err := h.lifecycle.CurrentPass(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}

	if cached, err := h.qrCache.Get(c.Request.Context(), token); err == nil && cached != nil {
		c.Data(http.StatusOK, qrimage.ContentType, cached)
		return
	} else if err != nil {
		h.logger.Warn("qr image cache read failed", zap.Error(err))
	}

	img, err := qrimage.Render(token)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pass"))
		return
	}
	if err := h.qrCache.Set(c.Request.Context(), token, img, h.imageTTL); err != nil {
		h.logger.Warn("qr image cache write failed", zap.Error(err))
	}

	c.Data(http.StatusOK, qrimage.ContentType, img)
}

// List returns all requests matching the filters, for warden dashboards.
func (h *OutpassHandler) List(c *gin.Context) {
	filter := filterFromQuery(c)
	filter.StudentID = c.Query("student_id")

	views, pagination, err := h.projections.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, views, pagination)
}

// Pending lists undecided requests oldest first.
func (h *OutpassHandler) Pending(c *gin.Context) {
	page, size := paginationFromQuery(c)
	views, pagination, err := h.projections.ListPending(c.Request.Context(), page, size)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, views, pagination)
}

// Decide applies the warden's verdict on a pending request.
func (h *OutpassHandler) Decide(c *gin.Context) {
	claims, ok := claimsFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req service.DecideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}

	op, err := h.lifecycle.Decide(c.Request.Context(), c.Param("id"), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, op, nil)
}

// Active lists every live approved pass across students.
func (h *OutpassHandler) Active(c *gin.Context) {
	views, err := h.projections.ListActive(c.Request.Context(), "")
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, views, nil)
}

// CurrentlyOut lists students who exited and have not returned.
func (h *OutpassHandler) CurrentlyOut(c *gin.Context) {
	views, err := h.projections.ListCurrentlyOut(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, views, nil)
}

// Analytics returns the live tally across all records.
func (h *OutpassHandler) Analytics(c *gin.Context) {
	tally, err := h.projections.Analytics(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, tally, nil)
}

// Export renders the outpass register as CSV or PDF.
func (h *OutpassHandler) Export(c *gin.Context) {
	dataset, err := h.projections.Register(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	format := c.DefaultQuery("format", "csv")
	filename := fmt.Sprintf("outpass-register-%s", time.Now().UTC().Format("2006-01-02"))

	switch format {
	case "csv":
		payload, err := h.csv.Render(dataset)
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv"))
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", filename))
		c.Data(http.StatusOK, "text/csv", payload)
	case "pdf":
		payload, err := h.pdf.Render(dataset, "Outpass Register")
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf"))
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.pdf", filename))
		c.Data(http.StatusOK, "application/pdf", payload)
	default:
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf"))
	}
}

func filterFromQuery(c *gin.Context) models.OutpassFilter {
	page, size := paginationFromQuery(c)
	filter := models.OutpassFilter{
		Page:      page,
		PageSize:  size,
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
	}
	if raw := c.Query("status"); raw != "" {
		status := models.OutpassStatus(raw)
		if status.Valid() {
			filter.Status = &status
		}
	}
	return filter
}

func paginationFromQuery(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, size
}
