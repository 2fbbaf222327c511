package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix returns the env-var prefix that overrides a connector's config,
// e.g. TIDEWATER_CB__ for kind "cb".
func EnvPrefix(kind string) string {
	return "TIDEWATER_" + strings.ToUpper(kind) + "__"
}

// LoadConnector merges the connector YAML (if path is set and exists) with
// env vars (prefix EnvPrefix(kind), nesting via `__`) and unmarshals the
// result into out. The koanf instance is returned so callers can tell unset
// keys apart from zero values.
func LoadConnector(kind, path string, out any) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s config %s: %w", kind, path, err)
		}
	}

	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return nil, fmt.Errorf("%s schema_version %q not supported (want %s)", kind, sv, SupportedSchema)
	}

	prefix := EnvPrefix(kind)
	_ = k.Load(env.Provider(prefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, prefix)), "__", ".")
	}), nil)

	if err := k.Unmarshal("", out); err != nil {
		return nil, fmt.Errorf("%s config: %w", kind, err)
	}
	return k, nil
}
