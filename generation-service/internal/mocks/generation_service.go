package mocks

import (
	"context"

	"videogen-server/generation-service/internal/service"
	"videogen-server/shared/models"
	"videogen-server/shared/queue"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// GenerationService is a mock type for the service.GenerationService type
type GenerationService struct {
	mock.Mock
}

var _ service.GenerationService = (*GenerationService)(nil)

func (m *GenerationService) Submit(ctx context.Context, userID uuid.UUID, tier models.SubscriptionTier, req models.GenerationRequest) (*service.SubmitResult, error) {
	args := m.Called(ctx, userID, tier, req)
	res, _ := args.Get(0).(*service.SubmitResult)
	return res, args.Error(1)
}

func (m *GenerationService) Get(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error) {
	args := m.Called(ctx, userID, id)
	gen, _ := args.Get(0).(*models.Generation)
	return gen, args.Error(1)
}

func (m *GenerationService) List(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error) {
	args := m.Called(ctx, userID, limit)
	gens, _ := args.Get(0).([]*models.Generation)
	return gens, args.Error(1)
}

func (m *GenerationService) Cancel(ctx context.Context, userID, id uuid.UUID) (*models.Generation, error) {
	args := m.Called(ctx, userID, id)
	gen, _ := args.Get(0).(*models.Generation)
	return gen, args.Error(1)
}

func (m *GenerationService) HandleWebhook(ctx context.Context, jobID uuid.UUID, payload models.WebhookPayload) (bool, error) {
	args := m.Called(ctx, jobID, payload)
	return args.Bool(0), args.Error(1)
}

func (m *GenerationService) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *GenerationService) SetBalance(ctx context.Context, userID uuid.UUID, balance int) error {
	args := m.Called(ctx, userID, balance)
	return args.Error(0)
}

func (m *GenerationService) QueueStats(ctx context.Context) (queue.Stats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(queue.Stats)
	return stats, args.Error(1)
}

func (m *GenerationService) PauseQueue(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *GenerationService) ResumeQueue(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// NewGenerationService creates a new instance of GenerationService. It also registers a cleanup function to assert the mocks expectations.
func NewGenerationService(t interface {
	mock.TestingT
	Cleanup(func())
}) *GenerationService {
	m := &GenerationService{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
