package mocks

import (
	"context"

	"videogen-server/shared/models"
	"videogen-server/shared/provider"

	"github.com/stretchr/testify/mock"
)

// Provider is a mock type for the worker.Provider type
type Provider struct {
	mock.Mock
}

func (m *Provider) CreatePrediction(ctx context.Context, req models.GenerationRequest, opts provider.CreateOptions) (*models.Prediction, error) {
	args := m.Called(ctx, req, opts)
	pred, _ := args.Get(0).(*models.Prediction)
	return pred, args.Error(1)
}

func (m *Provider) GetPrediction(ctx context.Context, id string) (*models.Prediction, error) {
	args := m.Called(ctx, id)
	pred, _ := args.Get(0).(*models.Prediction)
	return pred, args.Error(1)
}

func (m *Provider) CancelPrediction(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *Provider) ForgetPrediction(ctx context.Context, predictionID string) {
	m.Called(ctx, predictionID)
}

func (m *Provider) ReleasePrediction(ctx context.Context, predictionID string) int64 {
	args := m.Called(ctx, predictionID)
	n, _ := args.Get(0).(int64)
	return n
}

func (m *Provider) Catalog() models.ModelCatalog {
	args := m.Called()
	catalog, _ := args.Get(0).(models.ModelCatalog)
	return catalog
}

// NewProvider creates a new instance of Provider. It also registers a cleanup function to assert the mocks expectations.
func NewProvider(t interface {
	mock.TestingT
	Cleanup(func())
}) *Provider {
	m := &Provider{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
