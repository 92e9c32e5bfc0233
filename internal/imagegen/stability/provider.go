// Package stability implements models.ImageProvider against the Stability AI
// text-to-image API.
package stability

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
	defaultWidth  = 512
	defaultHeight = 512
)

var ErrNoImage = errors.New("stability returned no image")

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stability: status %d: %s", e.Status, e.Message)
}

type Provider struct {
	baseURL string
	engine  string
	client  *http.Client
}

func NewProvider(cfg config.StabilityConfig, client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		engine:  cfg.Engine,
		client:  client,
	}
}

func (p *Provider) Name() string { return models.ServiceStabilityAI }

type textPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type generationRequest struct {
	TextPrompts        []textPrompt `json:"text_prompts"`
	CFGScale           float64      `json:"cfg_scale"`
	ClipGuidancePreset string       `json:"clip_guidance_preset"`
	Height             int          `json:"height"`
	Width              int          `json:"width"`
	Samples            int          `json:"samples"`
	Steps              int          `json:"steps"`
	StylePreset        string       `json:"style_preset"`
}

type generationResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

// Generate requests a single image; the API returns its bytes inline.
func (p *Provider) Generate(ctx context.Context, req models.ImageRequest) (models.ImageResult, error) {
	width, height := req.Width, req.Height
	if width <= 0 {
		width = defaultWidth
	}
	if height <= 0 {
		height = defaultHeight
	}

	body, err := json.Marshal(generationRequest{
		TextPrompts:        []textPrompt{{Text: req.Prompt, Weight: 1}},
		CFGScale:           7,
		ClipGuidancePreset: "NONE",
		Height:             height,
		Width:              width,
		Samples:            1,
		Steps:              30,
		StylePreset:        "photographic",
	})
	if err != nil {
		return models.ImageResult{}, fmt.Errorf("encoding request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/generation/%s/text-to-image", p.baseURL, p.engine)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return models.ImageResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.ImageResult{}, fmt.Errorf("stability request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var e struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			msg = e.Message
		}
		return models.ImageResult{}, &APIError{Status: resp.StatusCode, Message: msg}
	}

	var out generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.ImageResult{}, fmt.Errorf("decoding stability response: %w", err)
	}
	if len(out.Artifacts) == 0 || out.Artifacts[0].Base64 == "" {
		return models.ImageResult{}, ErrNoImage
	}

	data, err := base64.StdEncoding.DecodeString(out.Artifacts[0].Base64)
	if err != nil {
		return models.ImageResult{}, fmt.Errorf("decoding image data: %w", err)
	}
	return models.ImageResult{Data: data, ContentType: "image/png"}, nil
}

var _ models.ImageProvider = (*Provider)(nil)
