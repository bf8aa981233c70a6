// Package piapi adapts the PiAPI generation service as a task provider
// for image and video work.
package piapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"resty.dev/v3"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/provider"
)

const (
	imageEndpoint  = "/flux/v1/txt2img"
	videoEndpoint  = "/video/v1/generate"
	statusEndpoint = "/video/v1/status/{task_id}"
	creditEndpoint = "/account/credits"
)

// Config holds the PiAPI connection settings.
type Config struct {
	APIKey  string
	BaseURL string

	// PollInterval spaces status polls for asynchronous jobs.
	PollInterval time.Duration
}

// Binding implements provider.Binding over the PiAPI HTTP API. Image
// generation is synchronous; video generation creates a remote job and
// polls its status, reporting poll progress along the way.
type Binding struct {
	client       *resty.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

type imageResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

type jobResponse struct {
	TaskID string `json:"task_id"`
}

type jobStatus struct {
	Status   string          `json:"status"`
	Progress float64         `json:"progress"`
	Error    string          `json:"error"`
	Result   json.RawMessage `json:"result"`
}

type creditResponse struct {
	Credits float64 `json:"credits"`
}

// New creates a PiAPI binding.
func New(cfg Config, logger *slog.Logger) (*Binding, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("piapi API key cannot be empty")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.piapi.ai"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("X-API-Key", cfg.APIKey)

	return &Binding{
		client:       client,
		pollInterval: cfg.PollInterval,
		logger:       logger.With("component", "piapi"),
	}, nil
}

// ID returns the provider identifier.
func (b *Binding) ID() string {
	return "piapi"
}

// MediaTypes returns the task types this provider serves.
func (b *Binding) MediaTypes() []domain.TaskType {
	return []domain.TaskType{
		domain.TaskTypeImageGeneration,
		domain.TaskTypeVideoGeneration,
	}
}

// Generate runs one task attempt.
func (b *Binding) Generate(ctx context.Context, taskType domain.TaskType, input json.RawMessage, progress provider.ProgressFunc) (json.RawMessage, error) {
	switch taskType {
	case domain.TaskTypeImageGeneration:
		return b.generateImage(ctx, input, progress)
	case domain.TaskTypeVideoGeneration:
		return b.generateVideo(ctx, input, progress)
	}
	return nil, fmt.Errorf("%w: %q", provider.ErrUnsupported, taskType)
}

func (b *Binding) generateImage(ctx context.Context, input json.RawMessage, progress provider.ProgressFunc) (json.RawMessage, error) {
	if progress != nil {
		progress(0.1, "submitted to piapi")
	}

	var result imageResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(input).
		SetResult(&result).
		Post(imageEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode()); err != nil {
		return nil, err
	}
	if len(result.Images) == 0 {
		return nil, fmt.Errorf("%w: no images in response", provider.ErrTransient)
	}

	if progress != nil {
		progress(0.9, "images ready")
	}

	urls := make([]string, len(result.Images))
	for i, img := range result.Images {
		urls[i] = img.URL
	}
	return json.Marshal(map[string]any{"image_urls": urls})
}

func (b *Binding) generateVideo(ctx context.Context, input json.RawMessage, progress provider.ProgressFunc) (json.RawMessage, error) {
	var job jobResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(input).
		SetResult(&job).
		Post(videoEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode()); err != nil {
		return nil, err
	}
	if job.TaskID == "" {
		return nil, fmt.Errorf("%w: no task_id in response", provider.ErrTransient)
	}

	if progress != nil {
		progress(0.05, "remote job created")
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		var status jobStatus
		resp, err := b.client.R().
			SetContext(ctx).
			SetPathParam("task_id", job.TaskID).
			SetResult(&status).
			Get(statusEndpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", provider.ErrTransient, err)
		}
		if err := classifyStatus(resp.StatusCode()); err != nil {
			return nil, err
		}

		switch status.Status {
		case "completed":
			if progress != nil {
				progress(0.95, "remote job finished")
			}
			if len(status.Result) == 0 {
				return nil, fmt.Errorf("%w: completed job carried no result", provider.ErrTransient)
			}
			return status.Result, nil
		case "failed":
			return nil, fmt.Errorf("%w: remote job failed: %s", provider.ErrTransient, status.Error)
		default:
			if progress != nil && status.Progress > 0 {
				progress(0.05+0.85*status.Progress, "generating")
			}
		}
	}
}

// HealthCheck probes the credits endpoint.
func (b *Binding) HealthCheck(ctx context.Context) (domain.HealthStatus, error) {
	resp, err := b.client.R().SetContext(ctx).Get(creditEndpoint)
	if err != nil {
		return domain.HealthUnavailable, err
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return domain.HealthHealthy, nil
	case code >= 500 || code == 429:
		return domain.HealthDegraded, nil
	}
	return domain.HealthUnavailable, fmt.Errorf("unexpected status %d", code)
}

// Credits returns the remaining account balance.
func (b *Binding) Credits(ctx context.Context) (*float64, error) {
	var result creditResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get(creditEndpoint)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	return &result.Credits, nil
}

// classifyStatus maps PiAPI HTTP statuses onto the provider error
// taxonomy.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 429:
		return fmt.Errorf("%w: status 429", provider.ErrRateLimited)
	case code == 402:
		return fmt.Errorf("%w: status 402", provider.ErrInsufficientCredits)
	case code == 400 || code == 422:
		return fmt.Errorf("%w: status %d", provider.ErrInvalidInput, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d", provider.ErrTransient, code)
	}
	return fmt.Errorf("%w: status %d", provider.ErrTransient, code)
}
