package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/outpass-api/internal/middleware"
	"github.com/noah-isme/outpass-api/internal/models"
	"github.com/noah-isme/outpass-api/internal/repository"
	"github.com/noah-isme/outpass-api/internal/service"
	"github.com/noah-isme/outpass-api/pkg/qrtoken"
)

func newOutpassTestHandler(store *fakeStore, codec *qrtoken.Codec) *OutpassHandler {
	lifecycle := service.NewOutpassService(store, codec, nil, nil, nil, service.LifecycleConfig{})
	projections := service.NewProjectionService(store, nil, service.ProjectionConfig{})
	qrCache := repository.NewQRCacheRepository(nil, nil)
	return NewOutpassHandler(lifecycle, projections, qrCache, nil, time.Minute)
}

func jsonBody(t *testing.T, payload interface{}) io.Reader {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func studentClaims(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleStudent}
}

func wardenClaims(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleWarden}
}

func TestOutpassHandlerSubmit(t *testing.T) {
	store := newFakeStore()
	h := newOutpassTestHandler(store, qrtoken.NewCodec("handler-secret"))

	from := time.Now().UTC().Add(time.Hour)
	rec := postJSON(h.Submit, "/outpasses", service.SubmitOutpassRequest{
		Reason:   "family visit",
		FromTime: from,
		ToTime:   from.Add(4 * time.Hour),
	}, studentClaims("student-1"))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var envelope struct {
		Data models.Outpass `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "student-1", envelope.Data.StudentID)
	assert.Equal(t, models.OutpassPending, envelope.Data.Status)
}

func TestOutpassHandlerSubmitRejectsPastWindow(t *testing.T) {
	h := newOutpassTestHandler(newFakeStore(), qrtoken.NewCodec("handler-secret"))

	from := time.Now().UTC().Add(-4 * time.Hour)
	rec := postJSON(h.Submit, "/outpasses", service.SubmitOutpassRequest{
		Reason:   "errand",
		FromTime: from,
		ToTime:   from.Add(time.Hour),
	}, studentClaims("student-1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutpassHandlerDecide(t *testing.T) {
	store := newFakeStore()
	codec := qrtoken.NewCodec("handler-secret")
	h := newOutpassTestHandler(store, codec)

	now := time.Now().UTC()
	op := &models.Outpass{StudentID: "student-1", Reason: "errand", FromTime: now.Add(time.Hour), ToTime: now.Add(3 * time.Hour), Status: models.OutpassPending}
	require.NoError(t, store.Create(context.Background(), op))

	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/outpasses/"+op.ID+"/decision", jsonBody(t, service.DecideRequest{Decision: "approve"}))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "id", Value: op.ID}}
	c.Set(middleware.ContextUserKey, wardenClaims("warden-1"))

	h.Decide(c)
	assert.Equal(t, http.StatusOK, rec.Code)

	stored, err := store.FindByID(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutpassApproved, stored.Status)
	require.NotNil(t, stored.QRToken)
}

func TestOutpassHandlerAnalytics(t *testing.T) {
	store := newFakeStore()
	codec := qrtoken.NewCodec("handler-secret")
	h := newOutpassTestHandler(store, codec)

	seedApprovedPass(t, store, codec, "student-1")

	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/outpasses/analytics", nil)

	h.Analytics(c)
	assert.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data models.Tally `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, 1, envelope.Data.Total)
	assert.Equal(t, 1, envelope.Data.Approved)
}

func TestOutpassHandlerMineRequiresClaims(t *testing.T) {
	h := newOutpassTestHandler(newFakeStore(), qrtoken.NewCodec("handler-secret"))

	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/outpasses/mine", nil)

	h.Mine(c)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
