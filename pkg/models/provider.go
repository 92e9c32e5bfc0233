package models

import "context"

// ImageProvider is the interface all text-to-image integrations implement.
// Never call a specific provider directly, always go through this interface.
type ImageProvider interface {
	// Generate renders one image for req. The result carries either the
	// image bytes or a short-lived URL to download them from.
	Generate(ctx context.Context, req ImageRequest) (ImageResult, error)
	// Name returns the service name the provider is registered under.
	Name() string
}

// ImageRequest is the input to a single generation call.
type ImageRequest struct {
	Prompt string
	APIKey string
	Width  int
	Height int
}

// ImageResult is a provider's output. Exactly one of Data or URL is set.
type ImageResult struct {
	Data        []byte
	URL         string
	ContentType string
}
