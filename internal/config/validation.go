package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateLLM()...)
	errors = append(errors, c.validateOrchestrator()...)
	errors = append(errors, c.validateBreakers()...)
	errors = append(errors, c.validateRisk()...)
	errors = append(errors, c.validateACE()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment != "" {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogFormat != "" && c.App.LogFormat != "json" && c.App.LogFormat != "console" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: fmt.Sprintf("Invalid log format '%s'. Must be 'json' or 'console'", c.App.LogFormat),
		})
	}

	return errors
}

func (c *Config) validateLLM() ValidationErrors {
	var errors ValidationErrors

	if c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "LLM gateway URL is required",
		})
	}

	if c.LLM.ReasoningModel == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.reasoning_model",
			Message: "Reasoning model identifier is required",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: fmt.Sprintf("Temperature %.2f out of range [0, 2]", c.LLM.Temperature),
		})
	}

	if c.LLM.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.timeout",
			Message: "LLM timeout must be positive (milliseconds)",
		})
	}

	return errors
}

func (c *Config) validateOrchestrator() ValidationErrors {
	var errors ValidationErrors

	if c.Orchestrator.SpecialistTimeoutMS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.specialist_timeout_ms",
			Message: "Specialist timeout must be positive",
		})
	}

	if c.Orchestrator.OrchestratorTimeoutMS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.orchestrator_timeout_ms",
			Message: "Orchestrator timeout must be positive",
		})
	}

	if c.Orchestrator.OrchestratorTimeoutMS < c.Orchestrator.SpecialistTimeoutMS {
		errors = append(errors, ValidationError{
			Field:   "orchestrator.orchestrator_timeout_ms",
			Message: "Orchestrator timeout must not be shorter than the specialist timeout",
		})
	}

	return errors
}

func (c *Config) validateBreakers() ValidationErrors {
	var errors ValidationErrors

	for name, b := range c.Breakers {
		if b.FailureThreshold <= 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("circuit_breaker.%s.failure_threshold", name),
				Message: "Failure threshold must be positive",
			})
		}
		if b.RecoveryTimeoutS <= 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("circuit_breaker.%s.recovery_timeout_s", name),
				Message: "Recovery timeout must be positive (seconds)",
			})
		}
		if b.HalfOpenMaxCalls <= 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("circuit_breaker.%s.half_open_max_calls", name),
				Message: "Half-open call budget must be positive",
			})
		}
	}

	return errors
}

func (c *Config) validateRisk() ValidationErrors {
	var errors ValidationErrors

	if c.Risk.PositionSizeLimitPct <= 0 || c.Risk.PositionSizeLimitPct > 100 {
		errors = append(errors, ValidationError{
			Field:   "risk.position_size_limit_pct",
			Message: fmt.Sprintf("Position size limit %.2f%% out of range (0, 100]", c.Risk.PositionSizeLimitPct),
		})
	}

	if c.Risk.WashSaleWindowDays < 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.wash_sale_window_days",
			Message: "Wash-sale window must not be negative",
		})
	}

	return errors
}

func (c *Config) validateACE() ValidationErrors {
	var errors ValidationErrors

	check := func(field string, v float64) {
		if v < 0 || v > 1 {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("Factor %.2f out of range [0, 1]", v),
			})
		}
	}

	check("ace.turn_penalty", c.ACE.TurnPenalty)
	check("ace.block_factor", c.ACE.BlockFactor)
	check("ace.flag_factor", c.ACE.FlagFactor)
	check("ace.resolution_bonus", c.ACE.ResolutionBonus)

	return errors
}
