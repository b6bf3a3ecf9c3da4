package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// Storage is a mock type for the storage.Storage type
type Storage struct {
	mock.Mock
}

func (m *Storage) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	args := m.Called(ctx, key, r, contentType)
	return args.String(0), args.Error(1)
}

// NewStorage creates a new instance of Storage. It also registers a cleanup function to assert the mocks expectations.
func NewStorage(t interface {
	mock.TestingT
	Cleanup(func())
}) *Storage {
	m := &Storage{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// Fetcher is a mock type for the worker.Fetcher type
type Fetcher struct {
	mock.Mock
}

func (m *Fetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, string, error) {
	args := m.Called(ctx, url)
	body, _ := args.Get(0).(io.ReadCloser)
	return body, args.String(1), args.Error(2)
}

// NewFetcher creates a new instance of Fetcher. It also registers a cleanup function to assert the mocks expectations.
func NewFetcher(t interface {
	mock.TestingT
	Cleanup(func())
}) *Fetcher {
	m := &Fetcher{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}
