// Package boot is the entry point a host calls to start the engine inside
// its own process.
package boot

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/patchd/internal/config"
	"github.com/eliteGoblin/focusd/patchd/internal/ipc"
	"github.com/eliteGoblin/focusd/patchd/internal/patchset"
	"github.com/eliteGoblin/focusd/patchd/internal/usecase"
	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
)

// Options customize Run. The zero value reads the PATCHD_* environment and
// opens patches as Go plugins.
type Options struct {
	Env    config.Environment
	Base   *config.Config
	Opener patchset.Opener
	// ChannelDir is where channel endpoints live; empty means the temp dir.
	ChannelDir string
	Logger     *zap.Logger
}

// Run builds the configuration from the environment, clearing every flag it
// reads, and boots the engine against table.
func Run(ctx context.Context, table *hook.Table, opts Options) (usecase.Report, error) {
	env := opts.Env
	if env == nil {
		env = config.OS
	}
	base := config.Default()
	if opts.Base != nil {
		base = *opts.Base
	}
	cfg, err := config.FromEnv(env, base)
	if err != nil {
		return usecase.Report{}, fmt.Errorf("failed to read configuration: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg)
	}
	opener := opts.Opener
	if opener == nil {
		opener = patchset.PluginOpener{}
	}

	p := usecase.NewPatcher(cfg, table, opener, ipc.NewClient(opts.ChannelDir, cfg.ConnectTimeout), logger)
	err = p.Boot(ctx)
	return p.Report(), err
}

// NewLogger returns the engine logger for cfg. With logging off the engine
// writes nothing at all.
func NewLogger(cfg config.Config) *zap.Logger {
	if !cfg.Logging {
		return zap.NewNop()
	}
	zc := zap.NewProductionConfig()
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("patchd")
}
