package mock

import (
	"context"
	"sync/atomic"

	"github.com/kiranshivaraju/partypix/pkg/models"
)

// PNG is a minimal payload with a PNG signature.
var PNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRmock")

// MockProvider satisfies models.ImageProvider for testing.
type MockProvider struct {
	Name_        string
	GenerateFunc func(ctx context.Context, req models.ImageRequest) (models.ImageResult, error)

	calls atomic.Int64
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Generate(ctx context.Context, req models.ImageRequest) (models.ImageResult, error) {
	m.calls.Add(1)
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return models.ImageResult{}, nil
}

// Calls reports how many times Generate ran.
func (m *MockProvider) Calls() int { return int(m.calls.Load()) }

// NewMockProvider returns a MockProvider named name that returns PNG bytes.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		Name_: name,
		GenerateFunc: func(_ context.Context, _ models.ImageRequest) (models.ImageResult, error) {
			return models.ImageResult{Data: PNG, ContentType: "image/png"}, nil
		},
	}
}

// NewURLProvider returns a MockProvider whose result must be downloaded from url.
func NewURLProvider(name, url string) *MockProvider {
	return &MockProvider{
		Name_: name,
		GenerateFunc: func(_ context.Context, _ models.ImageRequest) (models.ImageResult, error) {
			return models.ImageResult{URL: url}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(name string, err error) *MockProvider {
	return &MockProvider{
		Name_: name,
		GenerateFunc: func(_ context.Context, _ models.ImageRequest) (models.ImageResult, error) {
			return models.ImageResult{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider(name string) *MockProvider {
	return &MockProvider{
		Name_: name,
		GenerateFunc: func(ctx context.Context, _ models.ImageRequest) (models.ImageResult, error) {
			<-ctx.Done()
			return models.ImageResult{}, ctx.Err()
		},
	}
}

// Compile-time check that MockProvider implements ImageProvider.
var _ models.ImageProvider = (*MockProvider)(nil)
