package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment fallbacks applied. It is a convenience wrapper
// around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment variable
// fallbacks for credentials, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills empty credential fields from the environment so secrets can
// stay out of config files.
func applyEnv(cfg *Config) {
	fallback(&cfg.Providers.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	fallback(&cfg.Providers.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	fallback(&cfg.Providers.Telnyx.APIKey, "TELNYX_API_KEY")
	fallback(&cfg.Providers.Telnyx.ConnectionID, "TELNYX_CONNECTION_ID")
	fallback(&cfg.Engine.APIKey, "OPENAI_API_KEY")
	fallback(&cfg.Store.PostgresDSN, "POSTGRES_DSN")
}

func fallback(field *string, env string) {
	if *field == "" {
		*field = os.Getenv(env)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL == "" {
		errs = append(errs, fmt.Errorf("server.public_url is required; vendors cannot reach webhooks without it"))
	}

	if !cfg.Providers.Active.IsValid() {
		errs = append(errs, fmt.Errorf("providers.active %q is invalid; valid values: twilio, telnyx", cfg.Providers.Active))
	}
	switch cfg.Providers.Active {
	case ProviderTwilio:
		if cfg.Providers.Twilio.AccountSID == "" || cfg.Providers.Twilio.AuthToken == "" {
			errs = append(errs, fmt.Errorf("providers.twilio requires account_sid and auth_token (or TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN)"))
		}
	case ProviderTelnyx:
		if cfg.Providers.Telnyx.APIKey == "" || cfg.Providers.Telnyx.ConnectionID == "" {
			errs = append(errs, fmt.Errorf("providers.telnyx requires api_key and connection_id (or TELNYX_API_KEY / TELNYX_CONNECTION_ID)"))
		}
	}

	if cfg.Engine.APIKey == "" {
		errs = append(errs, fmt.Errorf("engine.api_key is required (or OPENAI_API_KEY)"))
	}

	if cfg.Scheduler.CallerID == "" {
		errs = append(errs, fmt.Errorf("scheduler.caller_id is required"))
	}
	if cfg.Scheduler.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_attempts must not be negative"))
	}
	if cfg.Scheduler.CallingHours.Start != "" || cfg.Scheduler.CallingHours.End != "" {
		if err := cfg.Scheduler.CallingHours.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Health.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("health.failure_threshold must not be negative"))
	}

	if cfg.Script.Greeting == "" && len(cfg.Script.Questions) == 0 {
		errs = append(errs, fmt.Errorf("script requires a greeting or at least one question"))
	}

	return errors.Join(errs...)
}
