// Package openai implements models.ImageProvider against the OpenAI Images API.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/partypix/internal/config"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

const (
	defaultWidth  = 1024
	defaultHeight = 1024
)

// ErrNoImage is returned when a successful response carries no image.
var ErrNoImage = errors.New("openai returned no image")

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: status %d: %s", e.Status, e.Message)
}

// Provider implements models.ImageProvider using OpenAI image generation.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewProvider(cfg config.OpenAIConfig, client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  client,
	}
}

func (p *Provider) Name() string { return models.ServiceOpenAI }

type generationRequest struct {
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type generationResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate requests a single image and returns its short-lived URL.
func (p *Provider) Generate(ctx context.Context, req models.ImageRequest) (models.ImageResult, error) {
	width, height := req.Width, req.Height
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}

	body, err := json.Marshal(generationRequest{
		Model:          p.model,
		Prompt:         req.Prompt,
		N:              1,
		Size:           fmt.Sprintf("%dx%d", width, height),
		ResponseFormat: "url",
	})
	if err != nil {
		return models.ImageResult{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/images/generations", bytes.NewReader(body))
	if err != nil {
		return models.ImageResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.ImageResult{}, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.ImageResult{}, decodeError(resp)
	}

	var out generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.ImageResult{}, fmt.Errorf("decoding openai response: %w", err)
	}
	if len(out.Data) == 0 {
		return models.ImageResult{}, ErrNoImage
	}

	first := out.Data[0]
	switch {
	case first.URL != "":
		return models.ImageResult{URL: first.URL}, nil
	case first.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(first.B64JSON)
		if err != nil {
			return models.ImageResult{}, fmt.Errorf("decoding image data: %w", err)
		}
		return models.ImageResult{Data: data, ContentType: "image/png"}, nil
	default:
		return models.ImageResult{}, ErrNoImage
	}
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e errorResponse
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &e) == nil && e.Error.Message != "" {
		msg = e.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

var _ models.ImageProvider = (*Provider)(nil)
