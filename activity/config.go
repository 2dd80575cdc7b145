package activity

import (
	"github.com/godamri/helix-activity/audit"
	"github.com/godamri/helix-activity/config"
	"github.com/godamri/helix-activity/log"
)

type Config struct {
	// MaxDetailsLength caps Record.Details, in runes.
	MaxDetailsLength int `envconfig:"ACTIVITY_MAX_DETAILS_LENGTH" default:"900" yaml:"max_details_length" validate:"min=1"`

	// SkipPreRead turns off the best-effort read of pre-write state. The
	// read otherwise happens whenever a read primitive is installed.
	SkipPreRead bool `envconfig:"ACTIVITY_SKIP_PRE_READ" default:"false" yaml:"skip_pre_read"`

	Audit audit.Config `yaml:"audit"`
	Log   log.Config   `yaml:"log"`
}

// LoadConfig reads Config from the YAML file at path, if any, with
// environment variables taking precedence.
func LoadConfig(envPrefix, path string) (*Config, error) {
	return config.NewLoader[Config](envPrefix, path).Load()
}

// DefaultConfig mirrors the envconfig defaults for callers that build the
// tracker without a loader.
func DefaultConfig() Config {
	return Config{
		MaxDetailsLength: DefaultMaxDetails,
		Audit: audit.Config{
			Enabled:    true,
			Backends:   []string{audit.BackendStore},
			Collection: audit.DefaultCollection,
			BufferSize: 1024,
			KafkaTopic: audit.DefaultTopic,
		},
		Log: log.Config{Level: "info", Format: log.FormatJSON},
	}
}
