package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"videogen-server/shared/credits"
	"videogen-server/shared/interfaces"
	"videogen-server/shared/messaging"
	smocks "videogen-server/shared/mocks"
	"videogen-server/shared/models"
	"videogen-server/shared/provider"
	"videogen-server/shared/queue"
	wmocks "videogen-server/video-worker/internal/mocks"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedEvent struct {
	kind     models.EventKind
	percent  int
	stage    models.Stage
	position int64
	url      string
	cause    error
	retryIn  *time.Duration
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEmitter) add(ev recordedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) EmitJobQueued(_ context.Context, _ uuid.UUID, position int64) {
	r.add(recordedEvent{kind: models.EventJobQueued, position: position})
}

func (r *recordingEmitter) EmitJobStarted(_ context.Context, _ uuid.UUID, _ int) {
	r.add(recordedEvent{kind: models.EventJobStarted})
}

func (r *recordingEmitter) EmitJobProgress(_ context.Context, _ uuid.UUID, percent int, stage models.Stage, _ string) {
	r.add(recordedEvent{kind: models.EventJobProgress, percent: percent, stage: stage})
}

func (r *recordingEmitter) EmitJobCompleted(_ context.Context, _ uuid.UUID, videoURL string) {
	r.add(recordedEvent{kind: models.EventJobCompleted, url: videoURL})
}

func (r *recordingEmitter) EmitJobFailed(_ context.Context, _ uuid.UUID, cause error, retryIn *time.Duration) {
	r.add(recordedEvent{kind: models.EventJobFailed, cause: cause, retryIn: retryIn})
}

func (r *recordingEmitter) EmitJobCancelled(_ context.Context, _ uuid.UUID) {
	r.add(recordedEvent{kind: models.EventJobCancelled})
}

func (r *recordingEmitter) snapshot() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEvent(nil), r.events...)
}

func (r *recordingEmitter) kinds() []models.EventKind {
	var out []models.EventKind
	for _, ev := range r.snapshot() {
		out = append(out, ev.kind)
	}
	return out
}

func (r *recordingEmitter) last() recordedEvent {
	evs := r.snapshot()
	if len(evs) == 0 {
		return recordedEvent{}
	}
	return evs[len(evs)-1]
}

type harness struct {
	q          *queue.RedisQueue
	provider   *wmocks.Provider
	repo       *smocks.GenerationRepository
	creditRepo *smocks.CreditRepository
	notifier   *smocks.MockNotifier
	emitter    *recordingEmitter
	deps       Deps
	cfg        ProcessorConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		q:          queue.NewRedisQueue(client, queue.Config{Prefix: "q", Retention: time.Hour, MaxStalls: 1}, zap.NewNop()),
		provider:   wmocks.NewProvider(t),
		repo:       smocks.NewGenerationRepository(t),
		creditRepo: smocks.NewCreditRepository(t),
		notifier:   smocks.NewMockNotifier(t),
		emitter:    &recordingEmitter{},
		cfg: ProcessorConfig{
			PollInterval:  5 * time.Millisecond,
			PollTimeout:   time.Second,
			LeaseDuration: 3 * time.Second,
			Retry:         RetryPolicy{MaxRetries: 3, Base: 10 * time.Millisecond, Max: time.Second},
		},
	}
	h.provider.On("Catalog").Return(models.DefaultModelCatalog()).Maybe()
	h.repo.On("UpdateProgress", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	h.repo.On("SetPrediction", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	h.deps = Deps{
		Queue:       h.q,
		Provider:    h.provider,
		Credits:     credits.NewService(h.creditRepo, nil, zap.NewNop()),
		Generations: h.repo,
		Emitter:     h.emitter,
		Notifier:    h.notifier,
		Metrics:     NewMetrics(zap.NewNop()),
	}
	return h
}

func (h *harness) processor() *Processor {
	return NewProcessor(h.deps, h.cfg, zap.NewNop())
}

// start кладет задачу в очередь и забирает ее, как это делает пул.
func (h *harness) start(t *testing.T, job *models.Job) *models.Job {
	t.Helper()
	ctx := context.Background()
	_, err := h.q.Enqueue(ctx, job, job.Priority)
	require.NoError(t, err)
	leased, err := h.q.Dequeue(ctx, h.cfg.LeaseDuration)
	require.NoError(t, err)
	require.NotNil(t, leased)
	return leased
}

func newTestJob(tier models.SubscriptionTier) *models.Job {
	req := models.GenerationRequest{Prompt: "a cat surfing at sunset", Duration: 5, Model: "wan2", Quality: models.QualityStandard}
	return models.NewJob(uuid.New(), req, tier, 5, "trace-1")
}

func prediction(id string, status models.PredictionStatus) *models.Prediction {
	return &models.Prediction{ID: id, Status: status}
}

func terminal(id uuid.UUID, status models.JobStatus) interface{} {
	return mock.MatchedBy(func(u interfaces.TerminalUpdate) bool {
		return u.ID == id && u.Status == status
	})
}

func notification(status messaging.NotificationStatus) interface{} {
	return mock.MatchedBy(func(p messaging.NotificationPayload) bool { return p.Status == status })
}

func assertMonotonic(t *testing.T, events []recordedEvent) {
	t.Helper()
	prev := -1
	for _, ev := range events {
		if ev.kind != models.EventJobProgress {
			continue
		}
		assert.GreaterOrEqual(t, ev.percent, prev, "progress went backwards at stage %s", ev.stage)
		assert.LessOrEqual(t, ev.percent, 100)
		prev = ev.percent
	}
}

func TestProcess_Completed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.start(t, newTestJob(models.TierFree))
	const output = "https://replicate.delivery/out.mp4"

	h.provider.On("CreatePrediction", mock.Anything, mock.Anything, provider.CreateOptions{JobID: job.ID.String()}).
		Return(prediction("p1", models.PredictionStarting), nil).Once()
	h.provider.On("GetPrediction", mock.Anything, "p1").Return(prediction("p1", models.PredictionProcessing), nil).Once()
	h.provider.On("GetPrediction", mock.Anything, "p1").
		Return(&models.Prediction{ID: "p1", Status: models.PredictionSucceeded, Output: output}, nil).Once()
	h.creditRepo.On("Commit", mock.Anything, job.ID).Return(true, nil).Once()
	h.repo.On("ApplyTerminal", mock.Anything, mock.MatchedBy(func(u interfaces.TerminalUpdate) bool {
		return u.ID == job.ID && u.Status == models.JobStatusCompleted && u.VideoURL == output
	})).Return(nil).Once()
	h.notifier.On("NotifyTerminal", mock.Anything, notification(messaging.NotificationStatusSuccess)).Return(nil).Once()
	h.provider.On("ReleasePrediction", mock.Anything, "p1").Return(int64(0)).Once()

	out := h.processor().Process(ctx, job)
	assert.Equal(t, OutcomeCompleted, out)

	stored, err := h.q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, output, stored.VideoURL)
	assert.Equal(t, "p1", stored.PredictionID)

	kinds := h.emitter.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, models.EventJobStarted, kinds[0])
	assert.Equal(t, models.EventJobCompleted, h.emitter.last().kind)
	assert.Equal(t, output, h.emitter.last().url)
	assertMonotonic(t, h.emitter.snapshot())

	var stages []models.Stage
	for _, ev := range h.emitter.snapshot() {
		if ev.kind == models.EventJobProgress && (len(stages) == 0 || stages[len(stages)-1] != ev.stage) {
			stages = append(stages, ev.stage)
		}
	}
	assert.Equal(t, []models.Stage{
		models.StageProcessing, models.StageValidating, models.StageCreatingPrediction,
		models.StageGenerating, models.StageUploading, models.StageFinalizing,
	}, stages, "free tier skips prompt enhancement")
	h.notifier.AssertExpectations(t)
}

func TestProcess_CompletedElsewhereSkipsSideEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := newTestJob(models.TierFree)
	job.PredictionID = "p9"
	job = h.start(t, job)

	// предсказание прошлой попытки продолжается, новое не создается
	h.provider.On("GetPrediction", mock.Anything, "p9").
		Return(&models.Prediction{ID: "p9", Status: models.PredictionSucceeded, Output: "https://x/out.mp4"}, nil).Once()
	h.creditRepo.On("Commit", mock.Anything, job.ID).Return(false, nil).Once()
	h.repo.On("ApplyTerminal", mock.Anything, terminal(job.ID, models.JobStatusCompleted)).Return(models.ErrAlreadyApplied).Once()
	h.provider.On("ReleasePrediction", mock.Anything, "p9").Return(int64(0)).Once()

	out := h.processor().Process(ctx, job)
	assert.Equal(t, OutcomeCompleted, out)
	assert.NotContains(t, h.emitter.kinds(), models.EventJobCompleted)
	h.notifier.AssertNotCalled(t, "NotifyTerminal", mock.Anything, mock.Anything)
}

func TestProcess_PromptEnhancement(t *testing.T) {
	tests := []struct {
		name       string
		enhanced   string
		enhanceErr error
		wantPrompt string
	}{
		{name: "enhanced prompt is used", enhanced: "a cinematic shot of a cat surfing", wantPrompt: "a cinematic shot of a cat surfing"},
		{name: "failure keeps original prompt", enhanceErr: errors.New("model overloaded"), wantPrompt: "a cat surfing at sunset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			enh := wmocks.NewEnhancer(t)
			h.deps.Enhancer = enh
			job := h.start(t, newTestJob(models.TierPro))

			enh.On("Enhance", mock.Anything, "a cat surfing at sunset").Return(tt.enhanced, tt.enhanceErr).Once()
			h.provider.On("CreatePrediction", mock.Anything, mock.MatchedBy(func(req models.GenerationRequest) bool {
				return req.Prompt == tt.wantPrompt
			}), mock.Anything).Return(&models.Prediction{ID: "p1", Status: models.PredictionSucceeded, Output: "https://x/out.mp4"}, nil).Once()
			h.creditRepo.On("Commit", mock.Anything, job.ID).Return(true, nil).Once()
			h.repo.On("ApplyTerminal", mock.Anything, terminal(job.ID, models.JobStatusCompleted)).Return(nil).Once()
			h.notifier.On("NotifyTerminal", mock.Anything, mock.Anything).Return(nil).Once()
			h.provider.On("ReleasePrediction", mock.Anything, "p1").Return(int64(0)).Once()

			assert.Equal(t, OutcomeCompleted, h.processor().Process(context.Background(), job))
		})
	}
}

func TestProcess_TransientFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.start(t, newTestJob(models.TierFree))

	h.provider.On("CreatePrediction", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: status 503", models.ErrProviderUnavailable)).Once()
	h.repo.On("IncrementRetry", mock.Anything, job.ID).Return(nil).Once()

	out := h.processor().Process(ctx, job)
	assert.Equal(t, OutcomeRetried, out)

	stored, err := h.q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	last := h.emitter.last()
	assert.Equal(t, models.EventJobFailed, last.kind)
	require.NotNil(t, last.retryIn)
	assert.Equal(t, 10*time.Millisecond, *last.retryIn)

	// после задержки задача снова доступна
	require.Eventually(t, func() bool {
		again, err := h.q.Dequeue(ctx, time.Minute)
		return err == nil && again != nil && again.ID == job.ID && again.RetryCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestProcess_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := newTestJob(models.TierFree)
	job.RetryCount = 3
	job = h.start(t, job)

	h.provider.On("CreatePrediction", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: status 502", models.ErrProviderUnavailable)).Once()
	h.repo.On("ApplyTerminal", mock.Anything, terminal(job.ID, models.JobStatusFailed)).Return(nil).Once()
	h.creditRepo.On("Refund", mock.Anything, job.ID).Return(true, nil).Once()
	h.notifier.On("NotifyTerminal", mock.Anything, notification(messaging.NotificationStatusError)).Return(nil).Once()

	out := h.processor().Process(ctx, job)
	assert.Equal(t, OutcomeFailed, out)

	status, err := h.q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, status)

	last := h.emitter.last()
	assert.Equal(t, models.EventJobFailed, last.kind)
	assert.Nil(t, last.retryIn)
	h.notifier.AssertExpectations(t)
}

func TestProcess_ValidationFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := newTestJob(models.TierFree)
	job.Request.Duration = 7
	job = h.start(t, job)

	h.repo.On("ApplyTerminal", mock.Anything, mock.MatchedBy(func(u interfaces.TerminalUpdate) bool {
		return u.ID == job.ID && u.Status == models.JobStatusFailed && strings.Contains(u.Error, "duration")
	})).Return(nil).Once()
	h.creditRepo.On("Refund", mock.Anything, job.ID).Return(true, nil).Once()
	h.notifier.On("NotifyTerminal", mock.Anything, notification(messaging.NotificationStatusError)).Return(nil).Once()

	out := h.processor().Process(ctx, job)
	assert.Equal(t, OutcomeFailed, out)
	h.provider.AssertNotCalled(t, "CreatePrediction", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_ProviderFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.start(t, newTestJob(models.TierFree))
	reason := "content rejected by safety filter"

	h.provider.On("CreatePrediction", mock.Anything, mock.Anything, mock.Anything).
		Return(prediction("p1", models.PredictionStarting), nil).Once()
	h.provider.On("GetPrediction", mock.Anything, "p1").
		Return(&models.Prediction{ID: "p1", Status: models.PredictionFailed, Error: &reason}, nil).Once()
	h.repo.On("ApplyTerminal", mock.Anything, mock.MatchedBy(func(u interfaces.TerminalUpdate) bool {
		return u.Status == models.JobStatusFailed && strings.Contains(u.Error, reason)
	})).Return(nil).Once()
	h.creditRepo.On("Refund", mock.Anything, job.ID).Return(true, nil).Once()
	h.notifier.On("NotifyTerminal", mock.Anything, mock.MatchedBy(func(p messaging.NotificationPayload) bool {
		return p.Status == messaging.NotificationStatusError && strings.Contains(p.ErrorDetails, reason)
	})).Return(nil).Once()
	// упавший запуск не должен отдаваться из кэша следующему такому же запросу
	h.provider.On("ForgetPrediction", mock.Anything, "p1").Once()
	h.provider.On("ReleasePrediction", mock.Anything, "p1").Return(int64(0)).Once()
	h.provider.On("CancelPrediction", mock.Anything, "p1").Return(nil).Once()

	out := h.processor().Process(ctx, job)
	assert.Equal(t, OutcomeFailed, out)
	require.Error(t, h.emitter.last().cause)
	assert.Contains(t, h.emitter.last().cause.Error(), reason)
}

func TestProcess_CancelledWhilePolling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.start(t, newTestJob(models.TierFree))

	h.provider.On("CreatePrediction", mock.Anything, mock.Anything, mock.Anything).
		Return(prediction("p1", models.PredictionStarting), nil).Once()
	h.provider.On("GetPrediction", mock.Anything, "p1").
		Run(func(mock.Arguments) {
			_, err := h.q.Cancel(context.Background(), job.ID)
			require.NoError(t, err)
		}).
		Return(prediction("p1", models.PredictionProcessing), nil).Once()
	h.provider.On("ForgetPrediction", mock.Anything, "p1").Once()
	h.provider.On("ReleasePrediction", mock.Anything, "p1").Return(int64(0)).Once()
	h.provider.On("CancelPrediction", mock.Anything, "p1").Return(nil).Once()
	h.repo.On("ApplyTerminal", mock.Anything, terminal(job.ID, models.JobStatusCancelled)).Return(nil).Once()
	h.creditRepo.On("Refund", mock.Anything, job.ID).Return(true, nil).Once()
	h.notifier.On("NotifyTerminal", mock.Anything, notification(messaging.NotificationStatusCancelled)).Return(nil).Once()

	out := h.processor().Process(ctx, job)
	assert.Equal(t, OutcomeCancelled, out)
	assert.Equal(t, models.EventJobCancelled, h.emitter.last().kind)

	status, err := h.q.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, status)
}

func TestProcess_CancelledViaAPISkipsDuplicateRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.start(t, newTestJob(models.TierFree))

	h.provider.On("CreatePrediction", mock.Anything, mock.Anything, mock.Anything).
		Return(prediction("p1", models.PredictionStarting), nil).Once()
	h.provider.On("GetPrediction", mock.Anything, "p1").
		Run(func(mock.Arguments) { _, _ = h.q.Cancel(context.Background(), job.ID) }).
		Return(&models.Prediction{ID: "p1", Status: models.PredictionSucceeded, Output: "https://x/out.mp4"}, nil).Once()
	h.provider.On("ForgetPrediction", mock.Anything, "p1").Once()
	h.provider.On("ReleasePrediction", mock.Anything, "p1").Return(int64(0)).Once()
	h.provider.On("CancelPrediction", mock.Anything, "p1").Return(nil).Once()
	h.repo.On("ApplyTerminal", mock.Anything, terminal(job.ID, models.JobStatusCancelled)).Return(models.ErrAlreadyApplied).Once()

	// успешный результат после отмены не публикуется: очередь отказывает в Complete
	out := h.processor().Process(ctx, job)
	assert.Equal(t, OutcomeCancelled, out)
	assert.NotContains(t, h.emitter.kinds(), models.EventJobCompleted)
	assert.NotContains(t, h.emitter.kinds(), models.EventJobCancelled)
	h.creditRepo.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything)
}

func TestProcess_CancelledSharedPredictionLeftRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.start(t, newTestJob(models.TierFree))

	// запуск получен из кэша, им пользуется еще одна задача
	h.provider.On("CreatePrediction", mock.Anything, mock.Anything, mock.Anything).
		Return(prediction("p1", models.PredictionProcessing), nil).Once()
	h.provider.On("GetPrediction", mock.Anything, "p1").
		Run(func(mock.Arguments) { _, _ = h.q.Cancel(context.Background(), job.ID) }).
		Return(prediction("p1", models.PredictionProcessing), nil).Once()
	h.provider.On("ForgetPrediction", mock.Anything, "p1").Once()
	h.provider.On("ReleasePrediction", mock.Anything, "p1").Return(int64(1)).Once()
	h.repo.On("ApplyTerminal", mock.Anything, terminal(job.ID, models.JobStatusCancelled)).Return(nil).Once()
	h.creditRepo.On("Refund", mock.Anything, job.ID).Return(true, nil).Once()
	h.notifier.On("NotifyTerminal", mock.Anything, notification(messaging.NotificationStatusCancelled)).Return(nil).Once()

	out := h.processor().Process(ctx, job)
	assert.Equal(t, OutcomeCancelled, out)
	h.provider.AssertNotCalled(t, "CancelPrediction", mock.Anything, mock.Anything)
}

func TestProcess_PollTimeoutStartsOver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cfg.PollTimeout = 30 * time.Millisecond
	job := h.start(t, newTestJob(models.TierFree))

	h.provider.On("CreatePrediction", mock.Anything, mock.Anything, mock.Anything).
		Return(prediction("p1", models.PredictionStarting), nil).Once()
	h.provider.On("GetPrediction", mock.Anything, "p1").Return(prediction("p1", models.PredictionProcessing), nil)
	h.provider.On("ForgetPrediction", mock.Anything, "p1").Once()
	h.provider.On("ReleasePrediction", mock.Anything, "p1").Return(int64(0)).Once()
	h.provider.On("CancelPrediction", mock.Anything, "p1").Return(nil).Once()
	h.repo.On("IncrementRetry", mock.Anything, job.ID).Return(nil).Once()

	out := h.processor().Process(ctx, job)
	assert.Equal(t, OutcomeRetried, out)

	stored, err := h.q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.PredictionID)
	// вебхук отмены брошенного запуска не должен совпасть с записью в БД
	h.repo.AssertCalled(t, "SetPrediction", mock.Anything, job.ID, "")
	assert.Equal(t, 1, stored.RetryCount)
	assert.ErrorIs(t, h.emitter.last().cause, models.ErrPollTimeout)
	assertMonotonic(t, h.emitter.snapshot())
}

func TestProcess_ShutdownRequeuesWithoutRetry(t *testing.T) {
	h := newHarness(t)
	job := h.start(t, newTestJob(models.TierFree))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.provider.On("CreatePrediction", mock.Anything, mock.Anything, mock.Anything).
		Return(prediction("p1", models.PredictionStarting), nil).Once()
	h.provider.On("GetPrediction", mock.Anything, "p1").
		Run(func(mock.Arguments) { cancel() }).
		Return(prediction("p1", models.PredictionProcessing), nil).Once()

	out := h.processor().Process(ctx, job)
	assert.Equal(t, OutcomeAbandoned, out)

	stored, err := h.q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, "p1", stored.PredictionID, "next attempt resumes the running prediction")
	assert.NotContains(t, h.emitter.kinds(), models.EventJobFailed)
}

func TestProcess_UploadsArtifact(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	store := wmocks.NewStorage(t)
	fetcher := wmocks.NewFetcher(t)
	h.deps.Storage = store
	h.deps.Fetcher = fetcher
	job := h.start(t, newTestJob(models.TierFree))
	const output = "https://replicate.delivery/abc/out.webm?sig=1"
	stored := "https://cdn.example.com/videos/" + job.UserID.String() + "/" + job.ID.String() + ".webm"

	h.provider.On("CreatePrediction", mock.Anything, mock.Anything, mock.Anything).
		Return(&models.Prediction{ID: "p1", Status: models.PredictionSucceeded, Output: output}, nil).Once()
	fetcher.On("Fetch", mock.Anything, output).Return(io.NopCloser(strings.NewReader("video")), "video/webm", nil).Once()
	store.On("Put", mock.Anything, "videos/"+job.UserID.String()+"/"+job.ID.String()+".webm", mock.Anything, "video/webm").
		Return(stored, nil).Once()
	h.creditRepo.On("Commit", mock.Anything, job.ID).Return(true, nil).Once()
	h.repo.On("ApplyTerminal", mock.Anything, mock.MatchedBy(func(u interfaces.TerminalUpdate) bool {
		return u.Status == models.JobStatusCompleted && u.VideoURL == stored
	})).Return(nil).Once()
	h.notifier.On("NotifyTerminal", mock.Anything, mock.MatchedBy(func(p messaging.NotificationPayload) bool {
		return p.VideoURL == stored
	})).Return(nil).Once()
	h.provider.On("ReleasePrediction", mock.Anything, "p1").Return(int64(0)).Once()

	assert.Equal(t, OutcomeCompleted, h.processor().Process(ctx, job))
	assert.Equal(t, stored, h.emitter.last().url)
}

func TestProcess_StorageFailureRetriesAndKeepsPrediction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	store := wmocks.NewStorage(t)
	fetcher := wmocks.NewFetcher(t)
	h.deps.Storage = store
	h.deps.Fetcher = fetcher
	job := h.start(t, newTestJob(models.TierFree))

	h.provider.On("CreatePrediction", mock.Anything, mock.Anything, mock.Anything).
		Return(&models.Prediction{ID: "p1", Status: models.PredictionSucceeded, Output: "https://x/out.mp4"}, nil).Once()
	fetcher.On("Fetch", mock.Anything, "https://x/out.mp4").Return(io.NopCloser(strings.NewReader("video")), "video/mp4", nil).Once()
	store.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("bucket unavailable")).Once()
	h.repo.On("IncrementRetry", mock.Anything, job.ID).Return(nil).Once()

	assert.Equal(t, OutcomeRetried, h.processor().Process(ctx, job))
	stored, err := h.q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", stored.PredictionID)
}

func TestGeneratingPercent(t *testing.T) {
	assert.Equal(t, 25, generatingPercent(0, time.Minute))
	assert.Equal(t, 55, generatingPercent(30*time.Second, time.Minute))
	assert.Equal(t, 85, generatingPercent(5*time.Minute, time.Minute))
	assert.Equal(t, 25, generatingPercent(time.Second, 0))
}

func TestArtifactExt(t *testing.T) {
	assert.Equal(t, ".mp4", artifactExt("https://x/out.mp4"))
	assert.Equal(t, ".webm", artifactExt("https://x/out.WEBM?token=1"))
	assert.Equal(t, ".mp4", artifactExt("https://x/download"))
}
