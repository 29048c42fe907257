package mocks

import (
	"context"
	"strings"

	"github.com/copyleftdev/profilepool/internal/profile"
	"github.com/stretchr/testify/mock"
)

// MockBackend implements profile.Backend with testify expectations.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) CreateOrUpdateProfile(ctx context.Context, name string, opts profile.Options) (profile.Info, error) {
	args := m.Called(ctx, name, opts)
	return args.Get(0).(profile.Info), args.Error(1)
}

func (m *MockBackend) LaunchProfile(ctx context.Context, id string) (profile.LaunchInfo, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(profile.LaunchInfo), args.Error(1)
}

func (m *MockBackend) CloseProfile(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

// StaticBackend is a deterministic in-memory backend: profile "name" gets id
// "id-name" and endpoint "ws://name".
type StaticBackend struct {
	LaunchErr error
}

func (b *StaticBackend) CreateOrUpdateProfile(ctx context.Context, name string, opts profile.Options) (profile.Info, error) {
	return profile.Info{ID: "id-" + name, Name: name}, nil
}

func (b *StaticBackend) LaunchProfile(ctx context.Context, id string) (profile.LaunchInfo, error) {
	if b.LaunchErr != nil {
		return profile.LaunchInfo{}, b.LaunchErr
	}
	return profile.LaunchInfo{DebugPort: 9222, Endpoint: "ws://" + strings.TrimPrefix(id, "id-")}, nil
}

func (b *StaticBackend) CloseProfile(ctx context.Context, id string) (bool, error) {
	return true, nil
}
