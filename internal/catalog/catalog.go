// Package catalog loads the deployable source definitions from a YAML file
// and resolves credential references in their connector configs. Plain values
// pass through; `env://NAME` values are read from the environment and
// `secret://NAME` values from the encrypted secrets file.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/windrose-io/windrose/internal/protocol"
)

// Sentinel errors for catalog validation and resolution.
var (
	// ErrSourceIDRequired is returned when a source has no id.
	ErrSourceIDRequired = errors.New("source id is required")

	// ErrConnectorRequired is returned when a source names no connector.
	ErrConnectorRequired = errors.New("source connector is required")

	// ErrStreamsRequired is returned when a source selects no streams.
	ErrStreamsRequired = errors.New("source requires at least one stream")

	// ErrDuplicateSource is returned when two sources share an id.
	ErrDuplicateSource = errors.New("duplicate source id")

	// ErrEnvVarNotSet is returned when an env:// reference names an unset
	// variable.
	ErrEnvVarNotSet = errors.New("environment variable not set")

	// ErrNoSecretStore is returned when a secret:// reference is used
	// without a secret store.
	ErrNoSecretStore = errors.New("secret reference requires a secret store")
)

// Reference prefixes recognized in config values.
const (
	envPrefix    = "env://"
	secretPrefix = "secret://"
)

// SourceDefinition is one deployable source from sources.yaml: which
// connector extracts it, its resolved config, the streams to sync, and an
// optional cron schedule.
type SourceDefinition struct {
	ID          string                 `yaml:"id"`
	Name        string                 `yaml:"name"`
	Connector   string                 `yaml:"connector"`
	Command     []string               `yaml:"command,omitempty"`
	Config      map[string]interface{} `yaml:"config,omitempty"`
	Streams     []string               `yaml:"streams"`
	SyncMode    protocol.SyncMode      `yaml:"sync_mode,omitempty"`
	NaturalKey  string                 `yaml:"natural_key,omitempty"`
	CursorField string                 `yaml:"cursor_field,omitempty"`
	Schedule    string                 `yaml:"schedule,omitempty"`
}

// Catalog is the full set of configured sources.
type Catalog struct {
	Sources []SourceDefinition `yaml:"sources"`
}

// Resolver resolves env:// and secret:// references in config values. A nil
// secrets store is valid as long as no secret:// reference is used.
type Resolver struct {
	secrets *SecretStore
}

// NewResolver creates a resolver backed by the given secret store, which may
// be nil.
func NewResolver(secrets *SecretStore) *Resolver {
	return &Resolver{secrets: secrets}
}

// Load reads and validates the catalog at path, resolving references in
// every source's config. A missing file degrades to an empty catalog; any
// other failure is an error. A nil resolver resolves nothing.
func Load(path string, resolver *Resolver) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Catalog{}, nil
		}

		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	seen := make(map[string]bool, len(catalog.Sources))

	for i := range catalog.Sources {
		source := &catalog.Sources[i]

		if err := source.validate(); err != nil {
			return nil, fmt.Errorf("catalog source %d: %w", i, err)
		}

		if seen[source.ID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSource, source.ID)
		}

		seen[source.ID] = true

		if resolver != nil {
			resolved, err := resolver.resolveMap(source.Config)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", source.ID, err)
			}

			source.Config = resolved
		}
	}

	return &catalog, nil
}

func (s *SourceDefinition) validate() error {
	if s.ID == "" {
		return ErrSourceIDRequired
	}

	if s.Connector == "" {
		return fmt.Errorf("%w: source %q", ErrConnectorRequired, s.ID)
	}

	if len(s.Streams) == 0 {
		return fmt.Errorf("%w: source %q", ErrStreamsRequired, s.ID)
	}

	if s.SyncMode == "" {
		s.SyncMode = protocol.SyncModeFullRefresh
	}

	if !s.SyncMode.Valid() {
		return fmt.Errorf("%w: %q on source %q", protocol.ErrInvalidSyncMode, s.SyncMode, s.ID)
	}

	if s.Name == "" {
		s.Name = s.ID
	}

	return nil
}

// resolveMap walks a config map, resolving references in string values at
// any nesting depth.
func (r *Resolver) resolveMap(config map[string]interface{}) (map[string]interface{}, error) {
	if config == nil {
		return nil, nil
	}

	resolved := make(map[string]interface{}, len(config))

	for key, value := range config {
		out, err := r.resolveValue(value)
		if err != nil {
			return nil, fmt.Errorf("config key %q: %w", key, err)
		}

		resolved[key] = out
	}

	return resolved, nil
}

func (r *Resolver) resolveValue(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v)
	case map[string]interface{}:
		return r.resolveMap(v)
	case []interface{}:
		resolved := make([]interface{}, len(v))

		for i, item := range v {
			out, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}

			resolved[i] = out
		}

		return resolved, nil
	default:
		return value, nil
	}
}

func (r *Resolver) resolveString(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, envPrefix):
		name := strings.TrimPrefix(value, envPrefix)

		resolved, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrEnvVarNotSet, name)
		}

		return resolved, nil
	case strings.HasPrefix(value, secretPrefix):
		if r.secrets == nil {
			return "", fmt.Errorf("%w: %s", ErrNoSecretStore, value)
		}

		return r.secrets.Get(strings.TrimPrefix(value, secretPrefix))
	default:
		return value, nil
	}
}
