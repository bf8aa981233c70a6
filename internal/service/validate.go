package service

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/videoai/orchestrator/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// imageInput mirrors the accepted payload for image generation.
type imageInput struct {
	Prompt         string `json:"prompt" validate:"required,min=1,max=5000"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width,omitempty" validate:"omitempty,min=256,max=4096"`
	Height         int    `json:"height,omitempty" validate:"omitempty,min=256,max=4096"`
	NumImages      int    `json:"num_images,omitempty" validate:"omitempty,min=1,max=10"`
}

type videoInput struct {
	Prompt      string  `json:"prompt" validate:"required,min=1,max=5000"`
	Duration    float64 `json:"duration,omitempty" validate:"omitempty,min=1,max=60"`
	FPS         int     `json:"fps,omitempty" validate:"omitempty,min=24,max=60"`
	Resolution  string  `json:"resolution,omitempty" validate:"omitempty,oneof=720p 1080p 4k"`
	AspectRatio string  `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=16:9 9:16 1:1 4:3"`
}

type transcriptionInput struct {
	AudioURL string `json:"audio_url" validate:"required,url"`
	Language string `json:"language,omitempty"`
	Format   string `json:"format,omitempty" validate:"omitempty,oneof=srt vtt json text"`
}

type subtitleInput struct {
	VideoURL string `json:"video_url" validate:"required,url"`
	Language string `json:"language,omitempty"`
	Style    string `json:"style,omitempty" validate:"omitempty,oneof=default minimal full"`
}

// ValidateInput checks the task input payload against the schema for its
// media type. The payload may carry extra provider-specific fields; only
// the common fields are validated here.
func ValidateInput(taskType domain.TaskType, input json.RawMessage) error {
	if len(input) == 0 {
		return fmt.Errorf("%w: %v", domain.ErrValidation, domain.ErrEmptyTaskInput)
	}

	var target any
	switch taskType {
	case domain.TaskTypeImageGeneration:
		target = &imageInput{}
	case domain.TaskTypeVideoGeneration:
		target = &videoInput{}
	case domain.TaskTypeAudioTranscription:
		target = &transcriptionInput{}
	case domain.TaskTypeSubtitleGeneration:
		target = &subtitleInput{}
	default:
		return fmt.Errorf("%w: %v", domain.ErrValidation, domain.ErrInvalidTaskType)
	}

	if err := json.Unmarshal(input, target); err != nil {
		return fmt.Errorf("%w: malformed input payload: %v", domain.ErrValidation, err)
	}

	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	return nil
}
