// Package config loads and validates the governance configuration that every
// module is built from.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/NeuralBlitz/NBOS-Web/internal/charter"
)

// #region types

// Config is the full configuration document.
type Config struct {
	Module  ModuleConfig  `yaml:"module"`
	Privacy PrivacyConfig `yaml:"privacy"`
	Bias    BiasConfig    `yaml:"bias"`
	Tasks   TasksConfig   `yaml:"tasks"`
	Charter CharterConfig `yaml:"charter"`
	Scoring ScoringConfig `yaml:"scoring"`
	Store   StoreConfig   `yaml:"store"`
	Log     LogConfig     `yaml:"log"`
}

// ModuleConfig identifies the engine and its governance posture.
type ModuleConfig struct {
	Name            string            `yaml:"name" validate:"required"`
	Version         string            `yaml:"version" validate:"required,version"`
	Enabled         bool              `yaml:"enabled"`
	GovernanceLevel string            `yaml:"governance_level" validate:"oneof=standard strict unrestricted"`
	AuditEnabled    bool              `yaml:"audit_enabled"`
	MaxLatency      time.Duration     `yaml:"max_latency" validate:"gte=0"`
	Metadata        map[string]string `yaml:"metadata"`
}

// Governance levels.
const (
	GovernanceStandard     = "standard"
	GovernanceStrict       = "strict"
	GovernanceUnrestricted = "unrestricted"
)

type PrivacyConfig struct {
	Epsilon     float64 `yaml:"epsilon" validate:"gt=0"`
	Delta       float64 `yaml:"delta" validate:"gt=0,lt=1"`
	BudgetLimit float64 `yaml:"budget_limit" validate:"gt=0"`
}

type BiasConfig struct {
	Threshold   float64 `yaml:"threshold" validate:"gt=0,lte=1"`
	FavorableAt float64 `yaml:"favorable_at" validate:"gte=0,lte=1"`
}

type TasksConfig struct {
	CollisionPolicy string `yaml:"collision_policy" validate:"oneof=overwrite reject"`
}

// CharterConfig tunes the gate. Rules maps a principle name to a CEL
// expression that replaces the built-in check for that principle.
type CharterConfig struct {
	EscalationThreshold float64           `yaml:"escalation_threshold" validate:"gte=0,lte=1"`
	EscalationRate      float64           `yaml:"escalation_rate" validate:"gt=0"`
	EscalationBurst     int               `yaml:"escalation_burst" validate:"gte=1"`
	Rules               map[string]string `yaml:"rules" validate:"dive,required"`
}

type ScoringConfig struct {
	RemoteAddr string        `yaml:"remote_addr" validate:"omitempty,hostname_port"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
}

// StoreConfig points at the SQLite database. An empty path keeps everything
// in memory.
type StoreConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// #endregion types

// #region errors

// GovernanceConfigError reports a configuration that must not be used.
type GovernanceConfigError struct {
	Field  string
	Reason string
}

func (e *GovernanceConfigError) Error() string {
	return fmt.Sprintf("governance config: %s: %s", e.Field, e.Reason)
}

// IsGovernanceConfigError reports whether err is or wraps a
// *GovernanceConfigError.
func IsGovernanceConfigError(err error) bool {
	var gce *GovernanceConfigError
	return errors.As(err, &gce)
}

// #endregion errors

// #region defaults

// Default returns the configuration of the primary synergy engine.
func Default() Config {
	return Config{
		Module: ModuleConfig{
			Name:            "synergy_engine_primary",
			Version:         "1.0.0",
			Enabled:         true,
			GovernanceLevel: GovernanceStrict,
			AuditEnabled:    true,
			MaxLatency:      5 * time.Second,
		},
		Privacy: PrivacyConfig{Epsilon: 1.0, Delta: 1e-5, BudgetLimit: 1.0},
		Bias:    BiasConfig{Threshold: 0.8, FavorableAt: 0.7},
		Tasks:   TasksConfig{CollisionPolicy: "overwrite"},
		Charter: CharterConfig{
			EscalationThreshold: 0.7,
			EscalationRate:      1,
			EscalationBurst:     5,
		},
		Scoring: ScoringConfig{Timeout: 2 * time.Second},
		Log:     LogConfig{Level: "info"},
	}
}

// #endregion defaults

// #region load

// Load reads path (or uses defaults when path is empty), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults. Unknown keys are
// rejected. Parse does not validate.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &GovernanceConfigError{Field: "document", Reason: err.Error()}
	}
	return cfg, nil
}

// ApplyEnv overrides the store path, scorer address and log level from
// NBOS_DB, NBOS_SCORER_ADDR and NBOS_LOG_LEVEL.
func (c *Config) ApplyEnv(getenv func(string) string) {
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}
	c.Store.Path = envOr("NBOS_DB", c.Store.Path)
	c.Scoring.RemoteAddr = envOr("NBOS_SCORER_ADDR", c.Scoring.RemoteAddr)
	c.Log.Level = envOr("NBOS_LOG_LEVEL", c.Log.Level)
}

// #endregion load

// #region validate

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("version", func(fl validator.FieldLevel) bool {
		_, err := semver.NewVersion(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks every field and returns the first problem as a
// *GovernanceConfigError.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &GovernanceConfigError{Field: fieldPath(fe.Namespace()), Reason: reason(fe)}
		}
		return &GovernanceConfigError{Field: "document", Reason: err.Error()}
	}
	if !c.Module.AuditEnabled {
		return &GovernanceConfigError{Field: "module.audit_enabled", Reason: "audit logging cannot be disabled"}
	}
	for name, expr := range c.Charter.Rules {
		if _, err := charter.ParsePrinciple(name); err != nil {
			return &GovernanceConfigError{Field: "charter.rules." + name, Reason: "unknown principle"}
		}
		if _, err := charter.NewCELChecker(expr); err != nil {
			return &GovernanceConfigError{Field: "charter.rules." + name, Reason: err.Error()}
		}
	}
	return nil
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "version":
		return fmt.Sprintf("must be a semantic version, got %v", fe.Value())
	case "hostname_port":
		return fmt.Sprintf("must be host:port, got %v", fe.Value())
	default:
		return fmt.Sprintf("must satisfy %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value())
	}
}

// #endregion validate
