package feeders

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHealth struct {
	Interval  time.Duration `yaml:"interval" toml:"interval" env:"INTERVAL"`
	Threshold int           `yaml:"threshold" toml:"threshold" env:"THRESHOLD"`
}

type testConfig struct {
	DataDir    string     `yaml:"dataDir" toml:"dataDir" env:"DATA_DIR"`
	Extensions []string   `yaml:"extensions" toml:"extensions" env:"EXTENSIONS"`
	Verbose    bool       `yaml:"verbose" toml:"verbose" env:"VERBOSE"`
	Health     testHealth `yaml:"health" toml:"health" env:"HEALTH"`
	Ignored    string     `yaml:"ignored" env:"-"`
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileFeeders(t *testing.T) {
	cases := map[string]string{
		"host.yaml": "dataDir: /var/lib/ph\nextensions: [.yaml, .toml]\nverbose: true\nhealth:\n  interval: 15s\n  threshold: 5\n",
		"host.toml": "dataDir = \"/var/lib/ph\"\nextensions = [\".yaml\", \".toml\"]\nverbose = true\n[health]\ninterval = \"15s\"\nthreshold = 5\n",
		"host.json": `{"dataDir": "/var/lib/ph", "extensions": [".yaml", ".toml"], "verbose": true, "health": {"interval": "15s", "threshold": 5}}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			feeder, err := ForFile(writeFile(t, name, content))
			require.NoError(t, err)

			var cfg testConfig
			require.NoError(t, feeder.Feed(&cfg))
			assert.Equal(t, "/var/lib/ph", cfg.DataDir)
			assert.Equal(t, []string{".yaml", ".toml"}, cfg.Extensions)
			assert.True(t, cfg.Verbose)
			assert.Equal(t, 15*time.Second, cfg.Health.Interval)
			assert.Equal(t, 5, cfg.Health.Threshold)
		})
	}
}

func TestForFileRejectsUnknownExtension(t *testing.T) {
	_, err := ForFile("host.ini")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestFileFeederErrors(t *testing.T) {
	var cfg testConfig

	err := NewYamlFeeder(filepath.Join(t.TempDir(), "missing.yaml")).Feed(&cfg)
	assert.ErrorIs(t, err, ErrFileRead)

	err = NewJSONFeeder(writeFile(t, "bad.json", "{not json")).Feed(&cfg)
	assert.ErrorIs(t, err, ErrDecode)

	err = NewTomlFeeder(writeFile(t, "bad.toml", "dataDir = ")).Feed(&cfg)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestAffixedEnvFeeder(t *testing.T) {
	t.Run("reads prefixed and nested variables", func(t *testing.T) {
		t.Setenv("PH_DATA_DIR", "/srv/data")
		t.Setenv("PH_EXTENSIONS", ".yaml, .json")
		t.Setenv("PH_VERBOSE", "true")
		t.Setenv("PH_HEALTH_INTERVAL", "45s")
		t.Setenv("PH_HEALTH_THRESHOLD", "7")

		var cfg testConfig
		require.NoError(t, NewAffixedEnvFeeder("ph_").Feed(&cfg))
		assert.Equal(t, "/srv/data", cfg.DataDir)
		assert.Equal(t, []string{".yaml", ".json"}, cfg.Extensions)
		assert.True(t, cfg.Verbose)
		assert.Equal(t, 45*time.Second, cfg.Health.Interval)
		assert.Equal(t, 7, cfg.Health.Threshold)
	})

	t.Run("leaves unset fields alone", func(t *testing.T) {
		cfg := testConfig{DataDir: "/keep", Ignored: "x"}
		t.Setenv("PH_IGNORED", "overwritten")
		require.NoError(t, NewAffixedEnvFeeder("PH").Feed(&cfg))
		assert.Equal(t, "/keep", cfg.DataDir)
		assert.Equal(t, "x", cfg.Ignored)
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("PH_HEALTH_INTERVAL", "soon")
		var cfg testConfig
		err := NewAffixedEnvFeeder("PH").Feed(&cfg)
		assert.ErrorIs(t, err, ErrEnvConversion)
	})

	t.Run("rejects non-struct targets", func(t *testing.T) {
		var s string
		assert.ErrorIs(t, NewAffixedEnvFeeder("PH").Feed(&s), ErrEnvInvalidStructure)
		assert.ErrorIs(t, NewAffixedEnvFeeder("PH").Feed(testConfig{}), ErrEnvInvalidStructure)
	})

	t.Run("requires a prefix", func(t *testing.T) {
		var cfg testConfig
		assert.ErrorIs(t, NewAffixedEnvFeeder("").Feed(&cfg), ErrEnvEmptyPrefix)
	})
}
