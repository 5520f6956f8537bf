package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidExtractorProviders lists the LLM backend names the extractor can be
// configured with. Used by [Validate] to warn about unrecognised names.
var ValidExtractorProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-value fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "q1"
	}
	if cfg.Queue.Subject == "" {
		cfg.Queue.Subject = "q1"
	}
	if cfg.Device.DefaultDeviceID == "" {
		cfg.Device.DefaultDeviceID = "esp32s3"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Store availability
	if cfg.Database.DSN == "" {
		slog.Warn("database.dsn is empty; task, session, and message state will not be available")
	}

	// Queue
	if cfg.Queue.URL == "" {
		slog.Warn("queue.url is empty; scheduled reminders and message delivery are disabled")
	}

	// Model
	if cfg.Model.APIKey == "" {
		slog.Warn("model.api_key is empty; gateway sessions will fail to open a live model session")
	}

	// Extractor
	validateExtractorProvider("primary", cfg.Extractor.Primary.Name)
	validateExtractorProvider("fallback", cfg.Extractor.Fallback.Name)
	if cfg.Extractor.Primary.Name == "" && cfg.Extractor.Fallback.Name != "" {
		errs = append(errs, errors.New("extractor.fallback is set but extractor.primary is not"))
	}

	// Device
	if cfg.Device.Endpoint != "" && cfg.Device.SharedAccessKey == "" {
		errs = append(errs, errors.New("device.endpoint is set but device.shared_access_key is empty"))
	}

	return errors.Join(errs...)
}

// validateExtractorProvider logs a warning if name is non-empty and not found
// in [ValidExtractorProviders].
func validateExtractorProvider(which, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidExtractorProviders, name) {
		return
	}
	slog.Warn("unknown extractor provider name; may be a typo or third-party provider",
		"which", which,
		"name", name,
		"known", ValidExtractorProviders,
	)
}
