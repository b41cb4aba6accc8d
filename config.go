package burstwatch

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Config.Validate and LoadConfig.
var ErrInvalidConfig = errors.New("burstwatch: invalid config")

// Thresholds maps an event kind to the count at which the rule fires.
// Kinds missing from the map never trigger the rule.
type Thresholds map[EventKind]int

// UnmarshalYAML decodes a {kind name: count} mapping.
func (t *Thresholds) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]int
	if err := value.Decode(&raw); err != nil {
		return err
	}
	out := make(Thresholds, len(raw))
	for name, n := range raw {
		k, ok := ParseEventKind(name)
		if !ok {
			return fmt.Errorf("%w: unknown event kind %q in thresholds", ErrInvalidConfig, name)
		}
		out[k] = n
	}
	*t = out
	return nil
}

// MarshalYAML encodes thresholds keyed by kind name.
func (t Thresholds) MarshalYAML() (interface{}, error) {
	out := make(map[string]int, len(t))
	for k, n := range t {
		out[k.String()] = n
	}
	return out, nil
}

// Exceeded returns the kinds whose count in f reached its threshold,
// in feature order.
func (t Thresholds) Exceeded(f FeatureVector) []EventKind {
	var hit []EventKind
	for _, k := range Kinds {
		limit, ok := t[k]
		if !ok {
			continue
		}
		if f.Get(k) >= limit {
			hit = append(hit, k)
		}
	}
	return hit
}

func (t Thresholds) String() string {
	keys := make([]EventKind, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	s := "{"
	for i, k := range keys {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s:%d", k, t[k])
	}
	return s + "}"
}

// Config parameterizes one detection engine.
type Config struct {
	WindowSeconds   int        `yaml:"window_seconds"`
	CooldownSeconds float64    `yaml:"cooldown_seconds"`
	Thresholds      Thresholds `yaml:"thresholds"`
}

// CLIProfile is tuned for quick manual testing of the standalone detector.
func CLIProfile() Config {
	return Config{
		WindowSeconds:   60,
		CooldownSeconds: 5,
		Thresholds:      Thresholds{Deleted: 2, Moved: 2},
	}
}

// WebProfile is tuned for the burst simulations driven from the web console.
func WebProfile() Config {
	return Config{
		WindowSeconds:   60,
		CooldownSeconds: 5,
		Thresholds:      Thresholds{Deleted: 60, Moved: 80},
	}
}

// Window returns the trailing window as a duration.
func (c Config) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Cooldown returns the minimum gap between two alerts.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds * float64(time.Second))
}

// Validate checks the config for values the engine cannot run with.
func (c Config) Validate() error {
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("%w: window_seconds must be positive, got %d", ErrInvalidConfig, c.WindowSeconds)
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("%w: cooldown_seconds must not be negative, got %v", ErrInvalidConfig, c.CooldownSeconds)
	}
	for k, n := range c.Thresholds {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown event kind %d in thresholds", ErrInvalidConfig, k)
		}
		if n < 0 {
			return fmt.Errorf("%w: threshold for %s must not be negative, got %d", ErrInvalidConfig, k, n)
		}
	}
	return nil
}

// LoadConfig reads a YAML config file on top of base. Fields absent from the
// file keep their base values.
func LoadConfig(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("error parsing YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}
