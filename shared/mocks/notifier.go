package mocks

import (
	"context"

	"videogen-server/shared/messaging"

	"github.com/stretchr/testify/mock"
)

// MockNotifier is a mock type for the Notifier type
type MockNotifier struct {
	mock.Mock
}

// NotifyTerminal provides a mock function with given fields: ctx, payload
func (_m *MockNotifier) NotifyTerminal(ctx context.Context, payload messaging.NotificationPayload) error {
	ret := _m.Called(ctx, payload)

	var r0 error
	if rf, ok := ret.Get(0).(func(context.Context, messaging.NotificationPayload) error); ok {
		r0 = rf(ctx, payload)
	} else {
		r0 = ret.Error(0)
	}
	return r0
}

// NewMockNotifier creates a new instance of MockNotifier.
func NewMockNotifier(t interface {
	mock.TestingT
	Helper()
}) *MockNotifier {
	m := &MockNotifier{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ messaging.Notifier = (*MockNotifier)(nil)
