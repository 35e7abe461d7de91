package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for loading config files.
var (
	// ErrUnsupportedFormat indicates a file extension other than .yaml,
	// .yml or .json.
	ErrUnsupportedFormat = errors.New("unsupported config file format")

	// ErrUnsetVariable indicates a ${NAME} reference to an unset
	// environment variable with no default.
	ErrUnsetVariable = errors.New("unset environment variable")

	// ErrNotMapping indicates a document whose root is not a mapping.
	ErrNotMapping = errors.New("config root must be a mapping")
)

// FromFile loads a .yaml, .yml or .json file. ${NAME} and
// ${NAME:-default} references are expanded from the environment first,
// so a launch file can point at per-job paths:
//
//	storage:
//	  path: ${CHECKPOINT_DIR:-/tmp/checkpoints}
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	parse := FromYAML
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
	case ".json":
		parse = FromJSON
	default:
		return Config{}, fmt.Errorf("%w: %s has extension %q, want .yaml, .yml or .json",
			ErrUnsupportedFormat, path, ext)
	}

	data, err = ExpandEnv(data, os.LookupEnv)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv replaces ${NAME} and ${NAME:-default} in data using lookup.
// An empty value counts as unset when a default is given. Every unset
// name without a default is reported.
func ExpandEnv(data []byte, lookup func(string) (string, bool)) ([]byte, error) {
	var missing []string
	out := envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		m := envRef.FindSubmatch(ref)
		name, hasDefault := string(m[1]), len(m[2]) > 0
		if v, ok := lookup(name); ok && (v != "" || !hasDefault) {
			return []byte(v)
		}
		if hasDefault {
			return m[3]
		}
		missing = append(missing, name)
		return ref
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnsetVariable, strings.Join(missing, ", "))
	}
	return out, nil
}

// FromYAML parses YAML data into a Config. An empty document is an
// empty Config.
func FromYAML(data []byte) (Config, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return fromDocument(v)
}

// FromJSON parses JSON data into a Config.
func FromJSON(data []byte) (Config, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return fromDocument(v)
}

func fromDocument(v any) (Config, error) {
	switch doc := v.(type) {
	case nil:
		return New(nil), nil
	case map[string]any:
		return New(doc), nil
	default:
		return Config{}, fmt.Errorf("%w, got %T", ErrNotMapping, v)
	}
}
