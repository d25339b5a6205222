// Package config provides step-execution limits - NO infrastructure URLs.
//
// This module contains ONLY configuration relevant to running one sandboxed
// step: time, output, state, span, and tool caps. Infrastructure
// configuration (object-store endpoints, provider settings) belongs to the
// embedding service, not the core.
//
// Limits are process-wide, initialized at startup, and immutable thereafter.
package config

// StepLimits holds the caps enforced on a single sandboxed step.
type StepLimits struct {
	// Time
	WallClockMS int `json:"wall_clock_ms"`
	// MaxSteps bounds Starlark computation steps - a determinism-safe
	// secondary brake under the wall clock.
	MaxSteps int `json:"max_steps"`

	// Output
	MaxStdoutBytes int `json:"max_stdout_bytes"`
	MaxStderrBytes int `json:"max_stderr_bytes"`

	// Boundary state
	MaxStateBytes int `json:"max_state_bytes"`

	// Capability queues
	MaxSpanEntries  int `json:"max_span_entries"`
	MaxToolRequests int `json:"max_tool_requests"`

	// Citations
	PreviewBytes int `json:"preview_bytes"`
}

// DefaultStepLimits returns sensible default caps.
func DefaultStepLimits() *StepLimits {
	return &StepLimits{
		WallClockMS:     2000,
		MaxSteps:        5_000_000,
		MaxStdoutBytes:  65536,
		MaxStderrBytes:  16384,
		MaxStateBytes:   262144,
		MaxSpanEntries:  4096,
		MaxToolRequests: 32,
		PreviewBytes:    240,
	}
}

// StepLimitsFromMap creates StepLimits from a map. Unknown keys are ignored.
func StepLimitsFromMap(config map[string]any) *StepLimits {
	c := DefaultStepLimits()

	if v, ok := config["wall_clock_ms"].(int); ok {
		c.WallClockMS = v
	} else if v, ok := config["wall_clock_ms"].(float64); ok {
		c.WallClockMS = int(v)
	}
	if v, ok := config["max_steps"].(int); ok {
		c.MaxSteps = v
	} else if v, ok := config["max_steps"].(float64); ok {
		c.MaxSteps = int(v)
	}
	if v, ok := config["max_stdout_bytes"].(int); ok {
		c.MaxStdoutBytes = v
	} else if v, ok := config["max_stdout_bytes"].(float64); ok {
		c.MaxStdoutBytes = int(v)
	}
	if v, ok := config["max_stderr_bytes"].(int); ok {
		c.MaxStderrBytes = v
	} else if v, ok := config["max_stderr_bytes"].(float64); ok {
		c.MaxStderrBytes = int(v)
	}
	if v, ok := config["max_state_bytes"].(int); ok {
		c.MaxStateBytes = v
	} else if v, ok := config["max_state_bytes"].(float64); ok {
		c.MaxStateBytes = int(v)
	}
	if v, ok := config["max_span_entries"].(int); ok {
		c.MaxSpanEntries = v
	} else if v, ok := config["max_span_entries"].(float64); ok {
		c.MaxSpanEntries = int(v)
	}
	if v, ok := config["max_tool_requests"].(int); ok {
		c.MaxToolRequests = v
	} else if v, ok := config["max_tool_requests"].(float64); ok {
		c.MaxToolRequests = int(v)
	}
	if v, ok := config["preview_bytes"].(int); ok {
		c.PreviewBytes = v
	} else if v, ok := config["preview_bytes"].(float64); ok {
		c.PreviewBytes = int(v)
	}

	return c
}

// ToMap converts limits to a map.
func (c *StepLimits) ToMap() map[string]any {
	return map[string]any{
		"wall_clock_ms":     c.WallClockMS,
		"max_steps":         c.MaxSteps,
		"max_stdout_bytes":  c.MaxStdoutBytes,
		"max_stderr_bytes":  c.MaxStderrBytes,
		"max_state_bytes":   c.MaxStateBytes,
		"max_span_entries":  c.MaxSpanEntries,
		"max_tool_requests": c.MaxToolRequests,
		"preview_bytes":     c.PreviewBytes,
	}
}

// =============================================================================
// LIMITS PROVIDER INTERFACE (Dependency Injection)
// =============================================================================

// LimitsProvider provides step limits.
// Use this interface for dependency injection instead of global state.
type LimitsProvider interface {
	// GetStepLimits returns the step limits.
	GetStepLimits() *StepLimits
}

// StaticLimitsProvider provides a static set of limits.
// Useful for testing with specific caps.
type StaticLimitsProvider struct {
	Limits *StepLimits
}

// GetStepLimits returns the static limits.
func (p *StaticLimitsProvider) GetStepLimits() *StepLimits {
	if p.Limits == nil {
		return DefaultStepLimits()
	}
	return p.Limits
}

// NewStaticLimitsProvider creates a new StaticLimitsProvider.
func NewStaticLimitsProvider(limits *StepLimits) *StaticLimitsProvider {
	return &StaticLimitsProvider{Limits: limits}
}
