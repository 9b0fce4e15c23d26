// Package launcher starts the host process and hands it the patch lists.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/patchd/internal/config"
	"github.com/eliteGoblin/focusd/patchd/internal/domain"
	"github.com/eliteGoblin/focusd/patchd/internal/stealth"
)

// ErrHostExited is returned when the host dies before taking every list.
var ErrHostExited = errors.New("host exited before handoff completed")

// Spawner starts the host detached from the controller.
type Spawner interface {
	Spawn(path string, args, env []string) (pid int, err error)
}

// Sender serves one list on a named endpoint.
type Sender interface {
	SendPaths(ctx context.Context, name string, paths []string) error
}

// Payload is what the host receives over its channels.
type Payload struct {
	Preload    []string
	Patches    []string
	Subverters []string
	Resources  []string
}

// Session describes a launched host.
type Session struct {
	PID       int
	Endpoints map[string]string
}

// Config holds launcher timing.
type Config struct {
	// HandoffTimeout bounds how long the channels stay open for the host.
	HandoffTimeout time.Duration
	// HostCheckInterval is how often the host pid is checked during handoff.
	HostCheckInterval time.Duration
}

// DefaultConfig returns default launcher timing.
func DefaultConfig() Config {
	return Config{
		HandoffTimeout:    30 * time.Second,
		HostCheckInterval: 250 * time.Millisecond,
	}
}

// Launcher spawns the host with PATCHD_* flags set and serves its lists.
type Launcher struct {
	config         Config
	spawner        Spawner
	sender         Sender
	obfuscator     domain.Obfuscator
	processManager domain.ProcessManager
	logger         *zap.Logger
}

// New creates a launcher.
func New(
	config Config,
	spawner Spawner,
	sender Sender,
	obfuscator domain.Obfuscator,
	pm domain.ProcessManager,
	logger *zap.Logger,
) *Launcher {
	return &Launcher{
		config:         config,
		spawner:        spawner,
		sender:         sender,
		obfuscator:     obfuscator,
		processManager: pm,
		logger:         logger,
	}
}

// Launch refuses hosts that would detect an unhidden engine, then opens one
// endpoint per non-empty list, spawns the host and blocks until the host has
// taken every list.
func (l *Launcher) Launch(ctx context.Context, cfg config.Config, payload Payload) (*Session, error) {
	if err := stealth.CheckDetection(cfg.EngineVersion, cfg.HideLevel); err != nil {
		return nil, err
	}

	lists := []struct {
		key   string
		dst   *string
		paths []string
	}{
		{"preload", &cfg.PreloadEndpoint, payload.Preload},
		{"subverter", &cfg.SubvertEndpoint, payload.Subverters},
		{"patch", &cfg.PatchEndpoint, payload.Patches},
		{"resource", &cfg.ResourceEndpoint, payload.Resources},
	}
	session := &Session{Endpoints: make(map[string]string)}
	for _, ls := range lists {
		*ls.dst = ""
		if len(ls.paths) == 0 {
			continue
		}
		*ls.dst = l.obfuscator.GenerateName()
		session.Endpoints[ls.key] = *ls.dst
	}

	ctx, cancel := context.WithTimeout(ctx, l.config.HandoffTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, ls := range lists {
		if len(ls.paths) == 0 {
			continue
		}
		name, paths := *ls.dst, ls.paths
		g.Go(func() error {
			return l.sender.SendPaths(gctx, name, paths)
		})
	}

	env := append(os.Environ(), cfg.Env()...)
	pid, err := l.spawner.Spawn(cfg.Host, cfg.HostArgs, env)
	if err != nil {
		cancel()
		_ = g.Wait()
		return nil, fmt.Errorf("failed to start host: %w", err)
	}
	session.PID = pid
	l.logger.Info("host started",
		zap.String("host", cfg.Host),
		zap.Int("pid", pid),
		zap.Int("channels", len(session.Endpoints)))

	if len(session.Endpoints) == 0 {
		return session, nil
	}

	handed := make(chan error, 1)
	go func() { handed <- g.Wait() }()

	ticker := time.NewTicker(l.config.HostCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-handed:
			if err != nil {
				return session, fmt.Errorf("handoff failed: %w", err)
			}
			l.logger.Debug("handoff complete", zap.Int("pid", pid))
			return session, nil
		case <-ticker.C:
			if l.processManager != nil && !l.processManager.IsRunning(pid) {
				cancel()
				<-handed
				return session, ErrHostExited
			}
		}
	}
}
