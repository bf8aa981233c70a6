package domain

import (
	"errors"
	"time"
)

// HealthStatus represents the availability of a registered provider.
type HealthStatus string

// Possible provider health values.
const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)

// Common validation errors for Provider
var (
	ErrEmptyProviderID     = errors.New("provider ID cannot be empty")
	ErrNoMediaTypes        = errors.New("provider must support at least one media type")
	ErrInvalidHealthStatus = errors.New("invalid provider health status")
)

// Provider describes a registered AI backend and its rolling statistics.
// Statistics use exponential moving averages so memory stays bounded no
// matter how many outcomes are reported.
type Provider struct {
	ID                  string         `json:"id"`
	MediaTypes          []TaskType     `json:"media_types"`
	Health              HealthStatus   `json:"health"`
	CreditBalance       *float64       `json:"credit_balance,omitempty"`
	CostPerUnit         float64        `json:"cost_per_unit"`
	AvgLatency          time.Duration  `json:"avg_latency"`
	SuccessRate         float64        `json:"success_rate"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	CooldownUntil       *time.Time     `json:"cooldown_until,omitempty"`
	RegisteredAt        time.Time      `json:"registered_at"`
}

// Validate checks if the Provider has valid data.
func (p *Provider) Validate() error {
	if p.ID == "" {
		return ErrEmptyProviderID
	}

	if len(p.MediaTypes) == 0 {
		return ErrNoMediaTypes
	}

	switch p.Health {
	case HealthHealthy, HealthDegraded, HealthUnavailable:
	default:
		return ErrInvalidHealthStatus
	}

	return nil
}

// Supports reports whether the provider can fulfil the given task type.
func (p *Provider) Supports(taskType TaskType) bool {
	for _, mt := range p.MediaTypes {
		if mt == taskType {
			return true
		}
	}
	return false
}

// Selectable reports whether the provider may be offered work: it must not
// be unavailable and must not have a known-zero credit balance.
func (p *Provider) Selectable() bool {
	if p.Health == HealthUnavailable {
		return false
	}
	if p.CreditBalance != nil && *p.CreditBalance <= 0 {
		return false
	}
	return true
}
