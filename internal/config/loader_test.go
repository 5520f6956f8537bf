package config_test

import (
	"strings"
	"testing"

	"github.com/voxpin/voxpin/internal/config"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":8000"
database:
  dsn: "postgres://localhost/voxpin"
queue:
  url: "nats://localhost:4222"
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.Stream != "q1" {
		t.Errorf("Queue.Stream = %q, want default %q", cfg.Queue.Stream, "q1")
	}
	if cfg.Queue.Subject != "q1" {
		t.Errorf("Queue.Subject = %q, want default %q", cfg.Queue.Subject, "q1")
	}
	if cfg.Device.DefaultDeviceID != "esp32s3" {
		t.Errorf("Device.DefaultDeviceID = %q, want default %q", cfg.Device.DefaultDeviceID, "esp32s3")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_address: ":8000"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  tls:
    cert_file: "/etc/voxpin/tls.crt"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for partial TLS config, got nil")
	}
	if !strings.Contains(err.Error(), "cert_file and key_file") {
		t.Errorf("error should mention cert_file and key_file, got: %v", err)
	}
}

func TestValidate_FallbackWithoutPrimary(t *testing.T) {
	t.Parallel()
	yaml := `
extractor:
  fallback:
    name: groq
    model: llama-3.1-8b-instant
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for fallback without primary, got nil")
	}
	if !strings.Contains(err.Error(), "extractor.primary") {
		t.Errorf("error should mention extractor.primary, got: %v", err)
	}
}

func TestValidate_DeviceEndpointRequiresKey(t *testing.T) {
	t.Parallel()
	yaml := `
device:
  endpoint: "https://hub.example.net/devices"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for device endpoint without key, got nil")
	}
	if !strings.Contains(err.Error(), "shared_access_key") {
		t.Errorf("error should mention shared_access_key, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
  tls:
    key_file: "/etc/voxpin/tls.key"
device:
  endpoint: "https://hub.example.net/devices"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "cert_file", "shared_access_key"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidExtractorProviders(t *testing.T) {
	t.Parallel()
	if len(config.ValidExtractorProviders) == 0 {
		t.Fatal("ValidExtractorProviders should not be empty")
	}
	found := false
	for _, n := range config.ValidExtractorProviders {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error(`ValidExtractorProviders should contain "openai"`)
	}
}
