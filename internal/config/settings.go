package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// xdgDir returns $env, or the home-relative fallback when it is unset.
// It returns "" when neither is available.
func xdgDir(env string, homeRel ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(append([]string{home}, homeRel...)...)
}

func defaultDataDir() string {
	base := xdgDir("XDG_DATA_HOME", ".local", "share")
	if base == "" {
		return "scoutd-data"
	}
	return filepath.Join(base, "scoutd")
}

// FilePath is the settings file location: $XDG_CONFIG_HOME/scoutd/config.json.
func FilePath() string {
	base := xdgDir("XDG_CONFIG_HOME", ".config")
	if base == "" {
		base = "."
	}
	return filepath.Join(base, "scoutd", "config.json")
}

// settings is the persisted set of non-secret keys: a flat JSON object
// keyed by dotted names. Values may be JSON strings, numbers or booleans.
type settings struct {
	path   string
	values map[string]any
}

// readSettings loads path. A missing file is empty; an unreadable or
// malformed one is reported and treated as empty so the server can still
// start on defaults.
func readSettings(path string) *settings {
	s := &settings{path: path, values: map[string]any{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s
	}
	if err == nil {
		err = json.Unmarshal(data, &s.values)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: ignoring settings file %s: %v\n", path, err)
		s.values = map[string]any{}
	}
	return s
}

// lookup returns the value for key as text.
func (s *settings) lookup(key string) (string, bool) {
	switch v := s.values[key].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// apply overlays every non-secret key present in the file onto cfg.
// Values that do not parse keep the current value.
func (s *settings) apply(cfg *Config) {
	for _, k := range specs {
		if k.secret {
			continue
		}
		raw, ok := s.lookup(k.key)
		if !ok {
			continue
		}
		v, err := k.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %s: bad value %q for %s: %v\n", s.path, raw, k.key, err)
			continue
		}
		k.apply(cfg, v)
	}
}

func (s *settings) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, append(data, '\n'), 0o600)
}

func lookupSpec(key string) (keySpec, error) {
	for _, k := range specs {
		if k.key != key {
			continue
		}
		if k.secret {
			return keySpec{}, fmt.Errorf("%s is a secret; set it with the %s environment variable", key, k.env)
		}
		return k, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
}

// SetKey validates value and persists it to the settings file.
func SetKey(key, value string) error {
	return setKey(FilePath(), key, value)
}

func setKey(path, key, value string) error {
	k, err := lookupSpec(key)
	if err != nil {
		return err
	}
	v, err := k.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	s := readSettings(path)
	switch k.typ {
	case kInt, kBool, kFloat:
		s.values[key] = v
	default:
		s.values[key] = value
	}
	return s.save()
}

// UnsetKey removes key from the settings file so its default applies again.
func UnsetKey(key string) error {
	return unsetKey(FilePath(), key)
}

func unsetKey(path, key string) error {
	if _, err := lookupSpec(key); err != nil {
		return err
	}
	s := readSettings(path)
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.save()
}

// KeyInfo is one displayable config key.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists the non-secret keys of cfg sorted by name.
func ShowAll(cfg Config) []KeyInfo {
	var out []KeyInfo
	for _, k := range specs {
		if !k.secret {
			out = append(out, KeyInfo{Key: k.key, EnvVar: k.env, Value: fmt.Sprint(k.extract(cfg))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ValidKeys returns the names accepted by SetKey, sorted.
func ValidKeys() []string {
	var keys []string
	for _, k := range specs {
		if !k.secret {
			keys = append(keys, k.key)
		}
	}
	sort.Strings(keys)
	return keys
}
