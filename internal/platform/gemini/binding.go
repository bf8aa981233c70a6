// Package gemini adapts the Google Gemini API as a task provider for
// transcription and subtitle work.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/provider"
)

// Config holds the Gemini connection settings.
type Config struct {
	APIKey    string
	ModelName string
}

// Binding implements provider.Binding over the Gemini API.
type Binding struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// New creates a Gemini binding.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Binding, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("gemini model name cannot be empty")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Binding{
		client: client,
		model:  cfg.ModelName,
		logger: logger.With("component", "gemini"),
	}, nil
}

// ID returns the provider identifier.
func (b *Binding) ID() string {
	return "gemini"
}

// MediaTypes returns the task types this provider serves.
func (b *Binding) MediaTypes() []domain.TaskType {
	return []domain.TaskType{
		domain.TaskTypeAudioTranscription,
		domain.TaskTypeSubtitleGeneration,
	}
}

// Generate runs one task attempt against the Gemini API.
func (b *Binding) Generate(ctx context.Context, taskType domain.TaskType, input json.RawMessage, progress provider.ProgressFunc) (json.RawMessage, error) {
	prompt, err := buildPrompt(taskType, input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidInput, err)
	}

	if progress != nil {
		progress(0.1, "submitted to gemini")
	}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text(prompt), nil)
	if err != nil {
		b.logger.Error("gemini call failed", "task_type", taskType, "error", err)
		return nil, fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: empty response", provider.ErrTransient)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return nil, fmt.Errorf("%w: blocked by safety filters", provider.ErrContentRejected)
	}

	text := ""
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}
	if text == "" {
		return nil, fmt.Errorf("%w: no text in response", provider.ErrTransient)
	}

	if progress != nil {
		progress(0.9, "response received")
	}

	output, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	return output, nil
}

// HealthCheck issues a minimal generation request to probe availability.
func (b *Binding) HealthCheck(ctx context.Context) (domain.HealthStatus, error) {
	_, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text("ping"), nil)
	if err != nil {
		return domain.HealthUnavailable, err
	}
	return domain.HealthHealthy, nil
}

// Credits reports nil: the Gemini API exposes no balance endpoint.
func (b *Binding) Credits(ctx context.Context) (*float64, error) {
	return nil, nil
}

func buildPrompt(taskType domain.TaskType, input json.RawMessage) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return "", fmt.Errorf("malformed input: %w", err)
	}

	switch taskType {
	case domain.TaskTypeAudioTranscription:
		url, _ := fields["audio_url"].(string)
		if url == "" {
			return "", errors.New("audio_url is required")
		}
		lang, _ := fields["language"].(string)
		format, _ := fields["format"].(string)
		if format == "" {
			format = "srt"
		}
		return fmt.Sprintf(
			"Transcribe the audio at %s into %s format. Language hint: %s. Return only the transcript.",
			url, format, lang,
		), nil

	case domain.TaskTypeSubtitleGeneration:
		url, _ := fields["video_url"].(string)
		if url == "" {
			return "", errors.New("video_url is required")
		}
		lang, _ := fields["language"].(string)
		return fmt.Sprintf(
			"Generate subtitles for the video at %s in SRT format. Target language: %s. Return only the subtitles.",
			url, lang,
		), nil
	}

	return "", fmt.Errorf("unsupported task type %q", taskType)
}
