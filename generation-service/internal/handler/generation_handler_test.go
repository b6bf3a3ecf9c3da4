package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	gmocks "videogen-server/generation-service/internal/mocks"
	"videogen-server/generation-service/internal/service"
	"videogen-server/shared/authutils"
	"videogen-server/shared/middleware"
	"videogen-server/shared/models"
	"videogen-server/shared/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-jwt-secret"

type testServer struct {
	router   *gin.Engine
	svc      *gmocks.GenerationService
	jwt      *authutils.JWTVerifier
	verifier *service.WebhookVerifier
}

func newTestServer(t *testing.T, limiter gin.HandlerFunc) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jwtVerifier, err := authutils.NewJWTVerifier(testSecret, zap.NewNop())
	require.NoError(t, err)
	webhookVerifier, err := service.NewWebhookVerifier("webhook-secret", time.Minute)
	require.NoError(t, err)
	if limiter == nil {
		limiter = func(c *gin.Context) { c.Next() }
	}

	ts := &testServer{
		router:   gin.New(),
		svc:      gmocks.NewGenerationService(t),
		jwt:      jwtVerifier,
		verifier: webhookVerifier,
	}
	ts.router.Use(middleware.TraceMiddleware())
	h := NewGenerationHandler(ts.svc, webhookVerifier, zap.NewNop())
	h.RegisterRoutes(ts.router,
		middleware.AuthMiddleware(jwtVerifier.VerifyToken, zap.NewNop()),
		middleware.AuthMiddleware(jwtVerifier.VerifyToken, zap.NewNop(), models.RoleAdmin),
		limiter,
	)
	return ts
}

func (ts *testServer) token(t *testing.T, userID uuid.UUID, tier models.SubscriptionTier, roles ...string) string {
	t.Helper()
	tok, err := ts.jwt.Sign(&models.Claims{
		UserID: userID,
		Roles:  roles,
		Tier:   tier,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderRequestID, "req-1")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSubmit_Accepted(t *testing.T) {
	ts := newTestServer(t, nil)
	userID := uuid.New()
	jobID := uuid.New()

	ts.svc.On("Submit", mock.Anything, userID, models.TierPro, mock.MatchedBy(func(r models.GenerationRequest) bool {
		return r.Prompt == "a cat" && r.Duration == 5 && r.Model == "wan2" && r.Quality == models.QualityHigh
	})).Return(&service.SubmitResult{ID: jobID, Status: models.JobStatusQueued, Position: 2, Credits: 8, TraceID: "req-1"}, nil).Once()

	rec := ts.do(t, http.MethodPost, "/api/v1/generations", ts.token(t, userID, models.TierPro),
		map[string]interface{}{"prompt": "a cat", "duration": 5, "model": "wan2", "quality": "high"})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res service.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, jobID, res.ID)
	assert.Equal(t, int64(2), res.Position)
	assert.Equal(t, "req-1", rec.Header().Get(middleware.HeaderRequestID))
}

func TestSubmit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"insufficient credits", fmt.Errorf("%w: 5 credits required", models.ErrInsufficientCredits), http.StatusPaymentRequired},
		{"validation", fmt.Errorf("%w: duration: failed 'oneof'", models.ErrValidation), http.StatusBadRequest},
		{"store unavailable", fmt.Errorf("failed to enqueue generation: %w", models.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			userID := uuid.New()
			ts.svc.On("Submit", mock.Anything, userID, models.TierFree, mock.Anything).Return(nil, tt.err).Once()

			rec := ts.do(t, http.MethodPost, "/api/v1/generations", ts.token(t, userID, ""),
				map[string]interface{}{"prompt": "a cat", "duration": 5, "model": "wan2"})

			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, "req-1", resp.TraceID)
		})
	}
}

func TestSubmit_InsufficientCreditsShape(t *testing.T) {
	ts := newTestServer(t, nil)
	userID := uuid.New()
	ts.svc.On("Submit", mock.Anything, userID, models.TierFree, mock.Anything).
		Return(nil, fmt.Errorf("%w: 5 credits required", models.ErrInsufficientCredits)).Once()

	rec := ts.do(t, http.MethodPost, "/api/v1/generations", ts.token(t, userID, models.TierFree),
		map[string]interface{}{"prompt": "a cat", "duration": 5, "model": "wan2"})

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var raw map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, "Insufficient credits", raw["error"])
	assert.Contains(t, raw["details"], "5 credits required")
	assert.Equal(t, "req-1", raw["trace_id"])
}

func TestSubmit_RequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/api/v1/generations", "", map[string]interface{}{"prompt": "a cat"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmit_MalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generations", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+ts.token(t, uuid.New(), models.TierFree))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGet_Generation(t *testing.T) {
	ts := newTestServer(t, nil)
	userID := uuid.New()
	url := "https://cdn/out.mp4"
	gen := &models.Generation{ID: uuid.New(), UserID: userID, Status: models.JobStatusCompleted, Stage: models.StageCompleted, Progress: 100, VideoURL: &url}
	ts.svc.On("Get", mock.Anything, userID, gen.ID).Return(gen, nil).Once()

	rec := ts.do(t, http.MethodGet, "/api/v1/generations/"+gen.ID.String(), ts.token(t, userID, models.TierFree), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp generationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.JobStatusCompleted, resp.Status)
	require.NotNil(t, resp.VideoURL)
	assert.Equal(t, url, *resp.VideoURL)
}

func TestGet_ErrorStatuses(t *testing.T) {
	ts := newTestServer(t, nil)
	userID := uuid.New()
	missing, foreign := uuid.New(), uuid.New()
	ts.svc.On("Get", mock.Anything, userID, missing).Return(nil, models.ErrJobNotFound).Once()
	ts.svc.On("Get", mock.Anything, userID, foreign).Return(nil, fmt.Errorf("%w: other user", models.ErrForbidden)).Once()
	tok := ts.token(t, userID, models.TierFree)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/generations/"+missing.String(), tok, nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/v1/generations/"+foreign.String(), tok, nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/generations/not-a-uuid", tok, nil).Code)
}

func TestList_Generations(t *testing.T) {
	ts := newTestServer(t, nil)
	userID := uuid.New()
	ts.svc.On("List", mock.Anything, userID, 5).Return([]*models.Generation{{ID: uuid.New(), UserID: userID}}, nil).Once()
	tok := ts.token(t, userID, models.TierFree)

	rec := ts.do(t, http.MethodGet, "/api/v1/generations?limit=5", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []generationResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/generations?limit=500", tok, nil).Code)
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t, nil)
	userID := uuid.New()
	gen := &models.Generation{ID: uuid.New(), UserID: userID, Status: models.JobStatusCancelled}
	done := uuid.New()
	ts.svc.On("Cancel", mock.Anything, userID, gen.ID).Return(gen, nil).Once()
	ts.svc.On("Cancel", mock.Anything, userID, done).Return(nil, fmt.Errorf("%w: completed", models.ErrJobTerminal)).Once()
	tok := ts.token(t, userID, models.TierFree)

	rec := ts.do(t, http.MethodPost, "/api/v1/generations/"+gen.ID.String()+"/cancel", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)

	rec = ts.do(t, http.MethodPost, "/api/v1/generations/"+done.String()+"/cancel", tok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBalance(t *testing.T) {
	ts := newTestServer(t, nil)
	userID := uuid.New()
	ts.svc.On("Balance", mock.Anything, userID).Return(-1, nil).Once()

	rec := ts.do(t, http.MethodGet, "/api/v1/credits", ts.token(t, userID, models.TierEnterprise), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, -1, resp.Balance)
	assert.True(t, resp.Unlimited)
}

func TestAdmin_RequiresRole(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/api/v1/admin/queue/pause", ts.token(t, uuid.New(), models.TierFree, models.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmin_QueueControl(t *testing.T) {
	ts := newTestServer(t, nil)
	tok := ts.token(t, uuid.New(), models.TierFree, models.RoleAdmin)
	ts.svc.On("PauseQueue", mock.Anything).Return(nil).Once()
	ts.svc.On("ResumeQueue", mock.Anything).Return(nil).Once()
	ts.svc.On("QueueStats", mock.Anything).Return(queue.Stats{Waiting: 3, Active: 1, Paused: true}, nil).Once()

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/admin/queue/pause", tok, nil).Code)

	rec := ts.do(t, http.MethodGet, "/api/v1/admin/queue/stats", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.Waiting)
	assert.True(t, stats.Paused)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/admin/queue/resume", tok, nil).Code)
}

func TestAdmin_SetBalance(t *testing.T) {
	ts := newTestServer(t, nil)
	tok := ts.token(t, uuid.New(), models.TierFree, models.RoleAdmin)
	userID := uuid.New()
	ts.svc.On("SetBalance", mock.Anything, userID, 50).Return(nil).Once()

	rec := ts.do(t, http.MethodPut, "/api/v1/admin/users/"+userID.String()+"/credits", tok, map[string]int{"balance": 50})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/admin/users/"+userID.String()+"/credits", tok, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func (ts *testServer) webhook(t *testing.T, jobID string, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider?job_id="+jobID, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sign {
		now := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(service.HeaderWebhookID, "msg_1")
		req.Header.Set(service.HeaderWebhookTimestamp, now)
		req.Header.Set(service.HeaderWebhookSignature, ts.verifier.Sign("msg_1", now, body))
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestProviderWebhook(t *testing.T) {
	ts := newTestServer(t, nil)
	jobID := uuid.New()
	body := []byte(`{"id":"p1","status":"succeeded","output":["https://cdn/out.mp4"]}`)
	ts.svc.On("HandleWebhook", mock.Anything, jobID, mock.MatchedBy(func(p models.WebhookPayload) bool {
		return p.ID == "p1" && p.Status == models.PredictionSucceeded && string(p.Output) == "https://cdn/out.mp4"
	})).Return(true, nil).Once()

	rec := ts.webhook(t, jobID.String(), body, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"applied":true}`, rec.Body.String())
}

func TestProviderWebhook_Rejected(t *testing.T) {
	ts := newTestServer(t, nil)
	body := []byte(`{"id":"p1","status":"failed"}`)

	assert.Equal(t, http.StatusUnauthorized, ts.webhook(t, uuid.NewString(), body, false).Code)
	assert.Equal(t, http.StatusBadRequest, ts.webhook(t, "nope", body, true).Code)
	assert.Equal(t, http.StatusBadRequest, ts.webhook(t, uuid.NewString(), []byte("{"), true).Code)
}

func TestProviderWebhook_UnknownJob(t *testing.T) {
	ts := newTestServer(t, nil)
	jobID := uuid.New()
	ts.svc.On("HandleWebhook", mock.Anything, jobID, mock.Anything).Return(false, models.ErrJobNotFound).Once()

	rec := ts.webhook(t, jobID.String(), []byte(`{"id":"p1","status":"failed"}`), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ts := newTestServer(t, NewSubmitLimiter(client, 2, time.Minute))
	userID, other := uuid.New(), uuid.New()
	ts.svc.On("Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&service.SubmitResult{ID: uuid.New(), Status: models.JobStatusQueued}, nil).Times(3)
	body := map[string]interface{}{"prompt": "a cat", "duration": 5, "model": "wan2"}

	tok := ts.token(t, userID, models.TierFree)
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/v1/generations", tok, body).Code)
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/v1/generations", tok, body).Code)

	rec := ts.do(t, http.MethodPost, "/api/v1/generations", tok, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// лимит у каждого пользователя свой
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/v1/generations", ts.token(t, other, models.TierFree), body).Code)
}
