// Package config loads typed configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Loader resolves a config struct. Priority: env vars > YAML > defaults.
// Fields are described by envconfig, default, yaml and validate tags.
// It runs once at startup.
type Loader[T any] struct {
	envPrefix  string
	configPath string
	validate   *validator.Validate
}

func NewLoader[T any](envPrefix, configPath string) *Loader[T] {
	return &Loader[T]{
		envPrefix:  envPrefix,
		configPath: configPath,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Load reads the configuration and validates it.
func (l *Loader[T]) Load() (*T, error) {
	// envconfig fills defaults even where the YAML set a value, so the env
	// pass runs first and set variables are re-applied after the file.
	var env T
	if err := envconfig.Process(l.envPrefix, &env); err != nil {
		return nil, fmt.Errorf("config: failed to process env vars: %w", err)
	}

	cfg := env
	if l.configPath != "" {
		b, err := os.ReadFile(l.configPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("config: failed to decode config file: %w", err)
			}
		}
	}
	overlayEnv(l.envPrefix, reflect.ValueOf(&cfg).Elem(), reflect.ValueOf(&env).Elem())

	if err := l.validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// overlayEnv copies from src every field whose environment variable is set,
// checking the same names envconfig reads: KEY and PREFIX_KEY.
func overlayEnv(prefix string, dst, src reflect.Value) {
	t := dst.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		key := f.Tag.Get("envconfig")
		if key == "" && f.Type.Kind() == reflect.Struct {
			// envconfig nests untagged structs under PREFIX_FIELD
			inner := strings.ToUpper(f.Name)
			if prefix != "" {
				inner = prefix + "_" + inner
			}
			overlayEnv(inner, dst.Field(i), src.Field(i))
			continue
		}
		if key != "" && envSet(prefix, key) {
			dst.Field(i).Set(src.Field(i))
		}
	}
}

func envSet(prefix, key string) bool {
	key = strings.ToUpper(key)
	if _, ok := os.LookupEnv(key); ok {
		return true
	}
	if prefix == "" {
		return false
	}
	_, ok := os.LookupEnv(strings.ToUpper(prefix) + "_" + key)
	return ok
}
