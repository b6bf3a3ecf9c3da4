package mocks

import (
	"context"

	"videogen-server/shared/interfaces"
	"videogen-server/shared/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// GenerationRepository is a mock type for the GenerationRepository type
type GenerationRepository struct {
	mock.Mock
}

func (m *GenerationRepository) Create(ctx context.Context, gen *models.Generation) error {
	args := m.Called(ctx, gen)
	return args.Error(0)
}

func (m *GenerationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	args := m.Called(ctx, id)
	gen, _ := args.Get(0).(*models.Generation)
	return gen, args.Error(1)
}

func (m *GenerationRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Generation, error) {
	args := m.Called(ctx, userID, limit)
	gens, _ := args.Get(0).([]*models.Generation)
	return gens, args.Error(1)
}

func (m *GenerationRepository) UpdateProgress(ctx context.Context, id uuid.UUID, status models.JobStatus, stage models.Stage, progress int) error {
	args := m.Called(ctx, id, status, stage, progress)
	return args.Error(0)
}

func (m *GenerationRepository) SetPrediction(ctx context.Context, id uuid.UUID, predictionID string) error {
	args := m.Called(ctx, id, predictionID)
	return args.Error(0)
}

func (m *GenerationRepository) IncrementRetry(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *GenerationRepository) ApplyTerminal(ctx context.Context, update interfaces.TerminalUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}

// NewGenerationRepository creates a new instance of GenerationRepository. It also registers a cleanup function to assert the mocks expectations.
func NewGenerationRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *GenerationRepository {
	m := &GenerationRepository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ interfaces.GenerationRepository = (*GenerationRepository)(nil)
