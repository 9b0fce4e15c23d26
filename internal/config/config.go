// Package config builds the immutable runtime configuration of patchd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/patchd/internal/domain"
)

// Environment flags handed from the controller to the host process.
const (
	EnvHideLevel       = "PATCHD_HIDE_LEVEL"
	EnvThrowOnFail     = "PATCHD_THROW_FAIL"
	EnvBackports       = "PATCHD_BACKPORTS"
	EnvNoAnyBackports  = "PATCHD_NO_ANY_BACKPORTS"
	EnvDisableStrict   = "PATCHD_DISABLE_STRICT"
	EnvForkID          = "PATCHD_FORKID"
	EnvEngine          = "PATCHD_ENGINE"
	EnvLogging         = "PATCHD_LOGGING"
	EnvDebug           = "PATCHD_DEBUG"
	EnvPreloadEndpoint = "PATCHD_PRELOAD_PIPE"
	EnvResourceEndpt   = "PATCHD_RESOURCE_PIPE"
	EnvPatchEndpoint   = "PATCHD_PATCH_PIPE"
	EnvSubvertEndpoint = "PATCHD_SUBVERTER_PIPE"
)

// Config is built once at startup and passed by value to every component.
type Config struct {
	HideLevel           domain.HideLevel `yaml:"hide_level"`
	ThrowOnFail         bool             `yaml:"throw_on_fail"`
	Backports           bool             `yaml:"backports"`
	DisableAnyBackports bool             `yaml:"disable_any_backports"`
	DisableStrictFork   bool             `yaml:"disable_strict_fork"`
	ForkID              string           `yaml:"fork_id"`
	EngineVersion       string           `yaml:"engine_version"`
	Logging             bool             `yaml:"logging"`
	Debug               bool             `yaml:"debug"`

	PreloadEndpoint  string `yaml:"preload_endpoint"`
	PatchEndpoint    string `yaml:"patch_endpoint"`
	SubvertEndpoint  string `yaml:"subverter_endpoint"`
	ResourceEndpoint string `yaml:"resource_endpoint"`

	PatchPaths     []string `yaml:"patch_paths"`
	SubverterPaths []string `yaml:"subverter_paths"`
	ResourcePacks  []string `yaml:"resource_packs"`

	// Host is the executable the controller launches.
	Host     string   `yaml:"host"`
	HostArgs []string `yaml:"host_args"`
	DataDir  string   `yaml:"data_dir"`

	MaxLoops       int           `yaml:"max_loops"`
	LoopCooldown   time.Duration `yaml:"loop_cooldown"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		HideLevel:      domain.HideNormal,
		Backports:      true,
		MaxLoops:       50,
		LoopCooldown:   200 * time.Millisecond,
		ConnectTimeout: 150 * time.Millisecond,
		DataDir:        "~/.patchd",
	}
}

// Environment is the slice of os functions FromEnv needs.
type Environment interface {
	LookupEnv(key string) (string, bool)
	Unsetenv(key string) error
}

type osEnv struct{}

func (osEnv) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }
func (osEnv) Unsetenv(key string) error           { return os.Unsetenv(key) }

// OS is the real process environment.
var OS Environment = osEnv{}

// FromEnv overlays the PATCHD_* flags on base. Each flag is removed from the
// environment right after it is read.
func FromEnv(env Environment, base Config) (Config, error) {
	cfg := base
	read := func(key string) (string, bool) {
		v, ok := env.LookupEnv(key)
		if ok {
			_ = env.Unsetenv(key)
		}
		return v, ok
	}
	flag := func(key string, dst *bool) {
		if v, ok := read(key); ok {
			*dst = truthy(v)
		}
	}

	var levelErr error
	if v, ok := read(EnvHideLevel); ok && v != "" {
		lvl, err := domain.ParseHideLevel(v)
		if err != nil {
			levelErr = fmt.Errorf("%s: %w", EnvHideLevel, err)
		} else {
			cfg.HideLevel = lvl
		}
	}
	flag(EnvThrowOnFail, &cfg.ThrowOnFail)
	flag(EnvBackports, &cfg.Backports)
	flag(EnvNoAnyBackports, &cfg.DisableAnyBackports)
	flag(EnvDisableStrict, &cfg.DisableStrictFork)
	flag(EnvLogging, &cfg.Logging)
	flag(EnvDebug, &cfg.Debug)
	if v, ok := read(EnvForkID); ok {
		cfg.ForkID = v
	}
	if v, ok := read(EnvEngine); ok {
		cfg.EngineVersion = v
	}
	if v, ok := read(EnvPreloadEndpoint); ok {
		cfg.PreloadEndpoint = v
	}
	if v, ok := read(EnvPatchEndpoint); ok {
		cfg.PatchEndpoint = v
	}
	if v, ok := read(EnvSubvertEndpoint); ok {
		cfg.SubvertEndpoint = v
	}
	if v, ok := read(EnvResourceEndpt); ok {
		cfg.ResourceEndpoint = v
	}
	// Every flag is gone from the environment before a bad level is reported.
	if levelErr != nil {
		return base, levelErr
	}
	return cfg, nil
}

// LoadFile reads a YAML configuration on top of Default.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Env renders the flags the host process reads, as KEY=value pairs.
func (c Config) Env() []string {
	pairs := []string{
		EnvHideLevel + "=" + strconv.Itoa(int(c.HideLevel)),
		EnvForkID + "=" + c.ForkID,
		EnvEngine + "=" + c.EngineVersion,
	}
	bools := []struct {
		key string
		v   bool
	}{
		{EnvThrowOnFail, c.ThrowOnFail},
		{EnvBackports, c.Backports},
		{EnvNoAnyBackports, c.DisableAnyBackports},
		{EnvDisableStrict, c.DisableStrictFork},
		{EnvLogging, c.Logging},
		{EnvDebug, c.Debug},
	}
	for _, b := range bools {
		if b.v {
			pairs = append(pairs, b.key+"=true")
		}
	}
	if c.PreloadEndpoint != "" {
		pairs = append(pairs, EnvPreloadEndpoint+"="+c.PreloadEndpoint)
	}
	if c.PatchEndpoint != "" {
		pairs = append(pairs, EnvPatchEndpoint+"="+c.PatchEndpoint)
	}
	if c.SubvertEndpoint != "" {
		pairs = append(pairs, EnvSubvertEndpoint+"="+c.SubvertEndpoint)
	}
	if c.ResourceEndpoint != "" {
		pairs = append(pairs, EnvResourceEndpt+"="+c.ResourceEndpoint)
	}
	return pairs
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
