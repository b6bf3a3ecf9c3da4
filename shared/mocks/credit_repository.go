package mocks

import (
	"context"

	"videogen-server/shared/interfaces"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// CreditRepository is a mock type for the CreditRepository type
type CreditRepository struct {
	mock.Mock
}

func (m *CreditRepository) Reserve(ctx context.Context, userID, jobID uuid.UUID, amount int) (int, error) {
	args := m.Called(ctx, userID, jobID, amount)
	return args.Int(0), args.Error(1)
}

func (m *CreditRepository) Refund(ctx context.Context, jobID uuid.UUID) (bool, error) {
	args := m.Called(ctx, jobID)
	return args.Bool(0), args.Error(1)
}

func (m *CreditRepository) Commit(ctx context.Context, jobID uuid.UUID) (bool, error) {
	args := m.Called(ctx, jobID)
	return args.Bool(0), args.Error(1)
}

func (m *CreditRepository) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *CreditRepository) SetBalance(ctx context.Context, userID uuid.UUID, balance int) error {
	args := m.Called(ctx, userID, balance)
	return args.Error(0)
}

// NewCreditRepository creates a new instance of CreditRepository. It also registers a cleanup function to assert the mocks expectations.
func NewCreditRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *CreditRepository {
	m := &CreditRepository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ interfaces.CreditRepository = (*CreditRepository)(nil)
