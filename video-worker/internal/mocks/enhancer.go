package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// Enhancer is a mock type for the enhancer.Enhancer type
type Enhancer struct {
	mock.Mock
}

func (m *Enhancer) Enhance(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

// NewEnhancer creates a new instance of Enhancer. It also registers a cleanup function to assert the mocks expectations.
func NewEnhancer(t interface {
	mock.TestingT
	Cleanup(func())
}) *Enhancer {
	m := &Enhancer{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
