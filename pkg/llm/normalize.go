// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package llm

import "fmt"

// ModelLimits is the known-limits entry for one (driver family, model)
// pair, consulted by Normalize to clamp requested parameters.
type ModelLimits struct {
	MaxCompletionTokens int
	ContextWindow       int
}

// DriverCapabilities lists which optional parameters a driver family
// understands. Parameters outside this set are dropped during
// normalization rather than sent, with a warning recorded.
type DriverCapabilities struct {
	SupportsTopK             bool
	SupportsFrequencyPenalty bool
	SupportsPresencePenalty  bool
}

// Overrides is the per-agent parameter override map; nil fields mean
// "use the driver/global default".
type Overrides struct {
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	TopK             *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
}

// DriverDefaults is a driver's own baseline, the first layer merged.
type DriverDefaults struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     int
}

// GlobalConfig is the second merge layer, typically sourced from
// appconfig environment variables.
type GlobalConfig struct {
	Temperature *float64
	MaxTokens   *int
	Timeout     *int
}

const (
	minTemperature = 0.0
	maxTemperature = 2.0
)

// Normalize merges driver defaults -> global config -> per-agent
// overrides, then clamps the result against limits for the model and
// drops parameters the driver doesn't support, recording a warning for
// each clamp or drop. Normalize is idempotent: applying it twice to its
// own output produces the same config and the same (stable) warning
// list, since clamping a value already within range is a no-op and
// produces no warning.
func Normalize(defaults DriverDefaults, global GlobalConfig, overrides Overrides, caps DriverCapabilities, limits ModelLimits) NormalizedConfig {
	cfg := NormalizedConfig{
		Model:       defaults.Model,
		Temperature: defaults.Temperature,
		MaxTokens:   defaults.MaxTokens,
		Timeout:     defaults.Timeout,
	}

	if global.Temperature != nil {
		cfg.Temperature = *global.Temperature
	}
	if global.MaxTokens != nil {
		cfg.MaxTokens = *global.MaxTokens
	}
	if global.Timeout != nil {
		cfg.Timeout = *global.Timeout
	}

	if overrides.Temperature != nil {
		cfg.Temperature = *overrides.Temperature
	}
	if overrides.MaxTokens != nil {
		cfg.MaxTokens = *overrides.MaxTokens
	}
	cfg.TopP = overrides.TopP
	cfg.TopK = overrides.TopK
	cfg.FrequencyPenalty = overrides.FrequencyPenalty
	cfg.PresencePenalty = overrides.PresencePenalty

	var warnings []string

	if cfg.Temperature < minTemperature {
		warnings = append(warnings, fmt.Sprintf("temperature %.2f clamped to minimum %.2f", cfg.Temperature, minTemperature))
		cfg.Temperature = minTemperature
	} else if cfg.Temperature > maxTemperature {
		warnings = append(warnings, fmt.Sprintf("temperature %.2f clamped to maximum %.2f", cfg.Temperature, maxTemperature))
		cfg.Temperature = maxTemperature
	}

	if limits.MaxCompletionTokens > 0 && cfg.MaxTokens > limits.MaxCompletionTokens {
		warnings = append(warnings, fmt.Sprintf("max_tokens %d clamped to model limit %d", cfg.MaxTokens, limits.MaxCompletionTokens))
		cfg.MaxTokens = limits.MaxCompletionTokens
	}

	if !caps.SupportsTopK && cfg.TopK != nil {
		warnings = append(warnings, "top_k dropped: unsupported by driver")
		cfg.TopK = nil
	}
	if !caps.SupportsFrequencyPenalty && cfg.FrequencyPenalty != nil {
		warnings = append(warnings, "frequency_penalty dropped: unsupported by driver")
		cfg.FrequencyPenalty = nil
	}
	if !caps.SupportsPresencePenalty && cfg.PresencePenalty != nil {
		warnings = append(warnings, "presence_penalty dropped: unsupported by driver")
		cfg.PresencePenalty = nil
	}

	cfg.ValidationWarnings = warnings
	return cfg
}

// ContextLimitFor returns the context window for limits, or a
// conservative default when the model is unrecognized.
func ContextLimitFor(limits ModelLimits) int {
	if limits.ContextWindow > 0 {
		return limits.ContextWindow
	}
	return 8192
}
