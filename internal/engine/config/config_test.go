package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_RejectsEmptyPlatformBaseURL(t *testing.T) {
	cfg := Config{apiKey: "key", CheckpointPath: "c.csv", MaxConcurrency: 1, MaxMetricConcurrency: 1}

	assert.ErrorIs(t, cfg.Validate(), ErrPlatformBaseURLEmpty)
}

func TestValidate_RejectsEmptyAPIKey(t *testing.T) {
	cfg := Config{PlatformBaseURL: "http://localhost", CheckpointPath: "c.csv", MaxConcurrency: 1, MaxMetricConcurrency: 1}

	assert.ErrorIs(t, cfg.Validate(), ErrAPIKeyEmpty)
}

func TestValidate_RejectsNonPositiveConcurrency(t *testing.T) {
	cfg := Config{
		PlatformBaseURL:      "http://localhost",
		apiKey:               "key",
		CheckpointPath:       "c.csv",
		MaxConcurrency:       0,
		MaxMetricConcurrency: 1,
	}

	assert.ErrorIs(t, cfg.Validate(), ErrInvalidMaxConcurrency)
}

func TestValidate_AcceptsCompleteConfig(t *testing.T) {
	cfg := Config{
		PlatformBaseURL:      "http://localhost:8080",
		apiKey:               "super-secret-key",
		CheckpointPath:       "c.csv",
		MaxConcurrency:       10,
		MaxMetricConcurrency: 5,
	}

	assert.NoError(t, cfg.Validate())
}

func TestMaskAPIKey_ShortKeyFullyMasked(t *testing.T) {
	cfg := Config{apiKey: "short"}
	assert.Equal(t, "***", cfg.MaskAPIKey())
}

func TestMaskAPIKey_LongKeyKeepsPrefix(t *testing.T) {
	cfg := Config{apiKey: "qymkey_0123456789abcdef"}
	assert.Equal(t, "qymkey_0***", cfg.MaskAPIKey())
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, DefaultMaxConcurrency, cfg.MaxConcurrency)
	assert.Equal(t, DefaultMaxMetricConcurrency, cfg.MaxMetricConcurrency)
	assert.Equal(t, DefaultItemTimeout, cfg.ItemTimeout)
}
