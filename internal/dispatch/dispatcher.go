package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/partypix/internal/imagegen"
	"github.com/kiranshivaraju/partypix/pkg/models"
)

// ErrDispatch is returned when the generation endpoint rejects a dispatch.
var ErrDispatch = errors.New("dispatch failed")

// Dispatcher hands a prompt to the image generator. The returned error is
// only logged; prompt status reaches viewers through the change feed.
type Dispatcher interface {
	Dispatch(ctx context.Context, promptID uuid.UUID) error
}

// HTTPDispatcher posts the prompt id to the generate-image endpoint.
type HTTPDispatcher struct {
	url    string
	client *http.Client
}

func NewHTTPDispatcher(url string, client *http.Client) *HTTPDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDispatcher{url: url, client: client}
}

type generateRequest struct {
	PromptID uuid.UUID `json:"prompt_id"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, promptID uuid.UUID) error {
	body, err := json.Marshal(generateRequest{PromptID: promptID})
	if err != nil {
		return fmt.Errorf("encoding dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var env errorEnvelope
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := string(raw)
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		msg = env.Error.Code + ": " + env.Error.Message
	}
	return fmt.Errorf("%w: status %d: %s", ErrDispatch, resp.StatusCode, msg)
}

// Generator is implemented by imagegen.Service.
type Generator interface {
	CreateImage(ctx context.Context, promptID uuid.UUID, opts imagegen.GenerateOptions) (*models.Image, error)
}

// DirectDispatcher runs generation in the calling process.
type DirectDispatcher struct {
	gen  Generator
	opts imagegen.GenerateOptions
}

func NewDirectDispatcher(gen Generator, opts imagegen.GenerateOptions) *DirectDispatcher {
	return &DirectDispatcher{gen: gen, opts: opts}
}

func (d *DirectDispatcher) Dispatch(ctx context.Context, promptID uuid.UUID) error {
	_, err := d.gen.CreateImage(ctx, promptID, d.opts)
	return err
}
