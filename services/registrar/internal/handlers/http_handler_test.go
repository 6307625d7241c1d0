package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/pkg/middleware"
	"github.com/grigta/registrar/services/registrar/internal/browser"
	"github.com/grigta/registrar/services/registrar/internal/models"
	"github.com/grigta/registrar/services/registrar/internal/repository"
	"github.com/grigta/registrar/services/registrar/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) Register(ctx context.Context, req service.RegistrationRequest) (*models.RunStatus, error) {
	args := m.Called(ctx, req)
	status, _ := args.Get(0).(*models.RunStatus)
	return status, args.Error(1)
}

func (m *mockRegistrar) SubmitBatch(ctx context.Context, reqs []service.RegistrationRequest) (*service.BatchSubmission, error) {
	args := m.Called(ctx, reqs)
	sub, _ := args.Get(0).(*service.BatchSubmission)
	return sub, args.Error(1)
}

func (m *mockRegistrar) RunBatch(ctx context.Context, reqs []service.RegistrationRequest) (*models.BatchReport, error) {
	args := m.Called(ctx, reqs)
	report, _ := args.Get(0).(*models.BatchReport)
	return report, args.Error(1)
}

func (m *mockRegistrar) GetStatus(ctx context.Context, runID string) (*models.RunStatus, error) {
	args := m.Called(ctx, runID)
	status, _ := args.Get(0).(*models.RunStatus)
	return status, args.Error(1)
}

func (m *mockRegistrar) Cancel(ctx context.Context, runID string) error {
	return m.Called(ctx, runID).Error(0)
}

func (m *mockRegistrar) ListAccounts(ctx context.Context, status models.AccountStatus, limit int64) ([]*repository.AccountRecord, error) {
	args := m.Called(ctx, status, limit)
	records, _ := args.Get(0).([]*repository.AccountRecord)
	return records, args.Error(1)
}

func (m *mockRegistrar) GetAccount(ctx context.Context, id int64) (*repository.AccountRecord, error) {
	args := m.Called(ctx, id)
	record, _ := args.Get(0).(*repository.AccountRecord)
	return record, args.Error(1)
}

func (m *mockRegistrar) AccountStats(ctx context.Context) (map[models.AccountStatus]int64, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[models.AccountStatus]int64)
	return counts, args.Error(1)
}

func (m *mockRegistrar) ReconcileStale(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

func (m *mockRegistrar) StartWorkers(ctx context.Context, consumer service.QueueConsumer) error {
	return m.Called(ctx, consumer).Error(0)
}

func (m *mockRegistrar) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func newTestRouter(svc service.RegistrarService, auth *middleware.JWTAuth) *gin.Engine {
	router := gin.New()
	NewHTTPHandler(svc, auth, nil, logger.Nop()).RegisterRoutes(router)
	return router
}

func doRequest(router *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	w := doRequest(newTestRouter(&mockRegistrar{}, nil), http.MethodGet, "/health", nil, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

type staticPool browser.PoolStats

func (p staticPool) Stats() browser.PoolStats { return browser.PoolStats(p) }

func TestHealthCheck_ReportsPool(t *testing.T) {
	router := gin.New()
	NewHTTPHandler(&mockRegistrar{}, nil, nil, logger.Nop()).
		WithPool(staticPool{TotalBrowsers: 3, AvailableBrowsers: 1, InUseBrowsers: 2}).
		RegisterRoutes(router)

	w := doRequest(router, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Browsers browser.PoolStats `json:"browsers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Browsers.InUseBrowsers)
	assert.Equal(t, 3, body.Browsers.TotalBrowsers)
}

func TestMetricsEndpoint(t *testing.T) {
	w := doRequest(newTestRouter(&mockRegistrar{}, nil), http.MethodGet, "/metrics", nil, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRegister_Accepted(t *testing.T) {
	svc := &mockRegistrar{}
	req := service.RegistrationRequest{Username: "alice01", Password: "Secret123"}
	svc.On("Register", mock.Anything, req).Return(&models.RunStatus{
		RunID: "run-1",
		State: models.StateInitializing,
	}, nil)

	w := doRequest(newTestRouter(svc, nil), http.MethodPost, "/api/v1/registrations", req, "")

	require.Equal(t, http.StatusAccepted, w.Code)
	var status models.RunStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "run-1", status.RunID)
	svc.AssertExpectations(t)
}

func TestRegister_InvalidBody(t *testing.T) {
	svc := &mockRegistrar{}
	router := newTestRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/registrations", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
}

func TestRegister_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid account", fmt.Errorf("%w: password is empty", models.ErrInvalidAccount), http.StatusBadRequest},
		{"shutting down", service.ErrShuttingDown, http.StatusServiceUnavailable},
		{"unexpected", fmt.Errorf("redis down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockRegistrar{}
			svc.On("Register", mock.Anything, mock.Anything).Return(nil, tt.err)

			w := doRequest(newTestRouter(svc, nil), http.MethodPost, "/api/v1/registrations",
				service.RegistrationRequest{Username: "u"}, "")

			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), tt.err.Error())
		})
	}
}

func TestRegisterBatch_Async(t *testing.T) {
	svc := &mockRegistrar{}
	accounts := []service.RegistrationRequest{{Generate: true}, {Generate: true}}
	svc.On("SubmitBatch", mock.Anything, accounts).Return(&service.BatchSubmission{
		BatchID: "batch-1",
		Runs:    []*models.RunStatus{{RunID: "a"}, {RunID: "b"}},
	}, nil)

	w := doRequest(newTestRouter(svc, nil), http.MethodPost, "/api/v1/registrations/batch",
		gin.H{"accounts": accounts}, "")

	require.Equal(t, http.StatusAccepted, w.Code)
	var sub service.BatchSubmission
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, "batch-1", sub.BatchID)
	assert.Len(t, sub.Runs, 2)
	svc.AssertNotCalled(t, "RunBatch", mock.Anything, mock.Anything)
}

func TestRegisterBatch_Wait(t *testing.T) {
	svc := &mockRegistrar{}
	accounts := []service.RegistrationRequest{{Username: "bob", Password: "pw"}}
	svc.On("RunBatch", mock.Anything, accounts).Return(&models.BatchReport{
		BatchID:   "batch-2",
		Total:     1,
		Succeeded: 1,
	}, nil)

	w := doRequest(newTestRouter(svc, nil), http.MethodPost, "/api/v1/registrations/batch",
		gin.H{"accounts": accounts, "wait": true}, "")

	require.Equal(t, http.StatusOK, w.Code)
	var report models.BatchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Succeeded)
}

func TestRegisterBatch_Rejections(t *testing.T) {
	svc := &mockRegistrar{}
	svc.On("SubmitBatch", mock.Anything, mock.Anything).Return(nil, service.ErrEmptyBatch)
	router := newTestRouter(svc, nil)

	w := doRequest(router, http.MethodPost, "/api/v1/registrations/batch",
		gin.H{"accounts": []service.RegistrationRequest{}}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	tooMany := make([]service.RegistrationRequest, maxBatchSize+1)
	w = doRequest(router, http.MethodPost, "/api/v1/registrations/batch", gin.H{"accounts": tooMany}, "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestGetRegistration(t *testing.T) {
	svc := &mockRegistrar{}
	svc.On("GetStatus", mock.Anything, "run-1").Return(&models.RunStatus{
		RunID: "run-1",
		State: models.StateChallengeMonitoring,
	}, nil)
	svc.On("GetStatus", mock.Anything, "missing").Return(nil, service.ErrRunNotFound)
	router := newTestRouter(svc, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/registrations/run-1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(models.StateChallengeMonitoring))

	w = doRequest(router, http.MethodGet, "/api/v1/registrations/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRegistration(t *testing.T) {
	svc := &mockRegistrar{}
	svc.On("Cancel", mock.Anything, "live").Return(nil)
	svc.On("Cancel", mock.Anything, "done").Return(service.ErrRunFinished)
	svc.On("Cancel", mock.Anything, "gone").Return(service.ErrRunNotFound)
	router := newTestRouter(svc, nil)

	assert.Equal(t, http.StatusAccepted, doRequest(router, http.MethodPost, "/api/v1/registrations/live/cancel", nil, "").Code)
	assert.Equal(t, http.StatusConflict, doRequest(router, http.MethodPost, "/api/v1/registrations/done/cancel", nil, "").Code)
	assert.Equal(t, http.StatusNotFound, doRequest(router, http.MethodPost, "/api/v1/registrations/gone/cancel", nil, "").Code)
}

func TestListAccounts(t *testing.T) {
	svc := &mockRegistrar{}
	svc.On("ListAccounts", mock.Anything, models.StatusSuccess, int64(5)).Return([]*repository.AccountRecord{
		{ID: 1, Username: "alice01", Status: models.StatusSuccess, UpdatedAt: time.Now()},
	}, nil)
	svc.On("ListAccounts", mock.Anything, models.AccountStatus(""), int64(100)).Return(nil, service.ErrPersistenceDisabled)
	router := newTestRouter(svc, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/accounts?status=success&limit=5", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.NotContains(t, w.Body.String(), "password")

	w = doRequest(router, http.MethodGet, "/api/v1/accounts?limit=abc", nil, "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/accounts?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAccount(t *testing.T) {
	svc := &mockRegistrar{}
	svc.On("GetAccount", mock.Anything, int64(1)).Return(&repository.AccountRecord{
		ID: 1, Username: "alice01", Password: "sealed", Status: models.StatusSuccess,
	}, nil)
	svc.On("GetAccount", mock.Anything, int64(2)).Return(nil, service.ErrAccountNotFound)
	router := newTestRouter(svc, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/accounts/1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice01"`)
	assert.NotContains(t, w.Body.String(), "sealed")

	w = doRequest(router, http.MethodGet, "/api/v1/accounts/2", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/accounts/abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccountStats(t *testing.T) {
	svc := &mockRegistrar{}
	svc.On("AccountStats", mock.Anything).Return(map[models.AccountStatus]int64{
		models.StatusSuccess: 4,
		models.StatusFailed:  2,
	}, nil).Once()
	svc.On("AccountStats", mock.Anything).Return(nil, service.ErrPersistenceDisabled)
	router := newTestRouter(svc, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":6`)
	assert.Contains(t, w.Body.String(), `"success":4`)

	w = doRequest(router, http.MethodGet, "/api/v1/stats", nil, "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRoutes_RequireAuth(t *testing.T) {
	auth := middleware.NewJWTAuth("secret", time.Hour)
	svc := &mockRegistrar{}
	svc.On("GetStatus", mock.Anything, "run-1").Return(&models.RunStatus{RunID: "run-1"}, nil)
	router := newTestRouter(svc, auth)

	viewer, err := auth.GenerateToken("ops", RoleViewer)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/health", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(router, http.MethodGet, "/api/v1/registrations/run-1", nil, "").Code)
	assert.Equal(t, http.StatusOK, doRequest(router, http.MethodGet, "/api/v1/registrations/run-1", nil, viewer).Code)
	assert.Equal(t, http.StatusForbidden, doRequest(router, http.MethodPost, "/api/v1/registrations",
		service.RegistrationRequest{Generate: true}, viewer).Code)
	svc.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
}
