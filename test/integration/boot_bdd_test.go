//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/patchd/internal/config"
	"github.com/eliteGoblin/focusd/patchd/internal/domain"
	"github.com/eliteGoblin/focusd/patchd/internal/infra"
	"github.com/eliteGoblin/focusd/patchd/internal/ipc"
	"github.com/eliteGoblin/focusd/patchd/internal/launcher"
	"github.com/eliteGoblin/focusd/patchd/internal/patchset"
	"github.com/eliteGoblin/focusd/patchd/internal/stealth"
	"github.com/eliteGoblin/focusd/patchd/internal/usecase"
	"github.com/eliteGoblin/focusd/patchd/pkg/boot"
	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
	"github.com/eliteGoblin/focusd/patchd/pkg/patch"
	"github.com/eliteGoblin/focusd/patchd/test/fixtures"
)

// mapEnv is a process environment the test can inspect afterwards.
type mapEnv struct {
	mu   sync.Mutex
	vars map[string]string
}

func newMapEnv(pairs []string) *mapEnv {
	e := &mapEnv{vars: make(map[string]string)}
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "PATCHD_") {
			e.vars[k] = v
		}
	}
	return e
}

func (e *mapEnv) LookupEnv(key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vars[key]
	return v, ok
}

func (e *mapEnv) Unsetenv(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vars, key)
	return nil
}

func (e *mapEnv) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vars)
}

type bootResult struct {
	report usecase.Report
	err    error
}

// inProcessSpawner boots the engine against a fake host instead of starting
// a process.
type inProcessSpawner struct {
	host   *fixtures.FakeHost
	opener patchset.Opener
	dir    string
	base   config.Config

	env  *mapEnv
	done chan bootResult
}

func (s *inProcessSpawner) Spawn(path string, args, env []string) (int, error) {
	s.env = newMapEnv(env)
	s.done = make(chan bootResult, 1)
	go func() {
		report, err := boot.Run(context.Background(), s.host.Table, boot.Options{
			Env:        s.env,
			Base:       &s.base,
			Opener:     s.opener,
			ChannelDir: s.dir,
			Logger:     zap.NewNop(),
		})
		s.done <- bootResult{report, err}
	}()
	return os.Getpid(), nil
}

func engineBase() config.Config {
	cfg := config.Default()
	cfg.MaxLoops = 20
	cfg.LoopCooldown = 5 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

func writePack(root, name string, files ...string) string {
	dir := filepath.Join(root, name)
	Expect(os.MkdirAll(dir, 0755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "meta.json"),
		[]byte(`{"name":"`+name+`","description":"test pack","target":""}`), 0644)).To(Succeed())
	for _, f := range files {
		path := filepath.Join(dir, f)
		Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
		Expect(os.WriteFile(path, []byte(f), 0644)).To(Succeed())
	}
	return dir
}

var _ = Describe("Launch and boot", func() {
	var (
		tmpDir  string
		host    *fixtures.FakeHost
		journal *fixtures.Journal
		early   *fixtures.InitCounter
		late    *fixtures.InitCounter
		spawner *inProcessSpawner
		hostCfg config.Config
		l       *launcher.Launcher
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "patchd-integration-*")
		Expect(err).NotTo(HaveOccurred())

		host = fixtures.NewFakeHost("210.0.3", "sprites/a.png", "sprites/b.png")
		Expect(host.Start()).To(Succeed())
		journal = &fixtures.Journal{}
		early = fixtures.NewInitCounter("early", true, host.Table, journal)
		late = fixtures.NewInitCounter("late", false, host.Table, journal)

		spawner = &inProcessSpawner{
			host: host,
			opener: patchset.StaticOpener{
				"/patches/early.so": {patch.Symbol: early},
				"/patches/late.so":  {patch.Symbol: late},
			},
			dir:  tmpDir,
			base: engineBase(),
		}

		hostCfg = config.Default()
		hostCfg.Host = "/opt/client/Robust.Client"
		hostCfg.EngineVersion = "210.0.3"
		hostCfg.Backports = true

		l = launcher.New(launcher.DefaultConfig(), spawner,
			ipc.NewServer(tmpDir, zap.NewNop()),
			infra.NewObfuscator(), infra.NewProcessManager(), zap.NewNop())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	awaitBoot := func() bootResult {
		var res bootResult
		Eventually(spawner.done, 5*time.Second).Should(Receive(&res))
		return res
	}

	Describe("handing lists to the host", func() {
		Context("when the host has loaded its modules", func() {
			It("applies preload patches first and conceals everything", func() {
				session, err := l.Launch(context.Background(), hostCfg, launcher.Payload{
					Preload: []string{"/patches/early.so"},
					Patches: []string{"/patches/late.so"},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(session.Endpoints).To(HaveKey("preload"))
				Expect(session.Endpoints).To(HaveKey("patch"))

				res := awaitBoot()
				Expect(res.err).NotTo(HaveOccurred())

				Expect(journal.Entries()).To(Equal([]string{"apply:early", "apply:late"}))
				Expect(res.report.Missing).To(BeEmpty())
				Expect(res.report.Patches).To(Equal([]string{"early", "late"}))
				Expect(res.report.Backports).To(ContainElement("BindFix"))
				Expect(res.report.Concealed).To(BeTrue())

				_, err = host.Init()
				Expect(err).NotTo(HaveOccurred())
				Expect(early.Calls.Load()).To(BeEquivalentTo(1))
				Expect(late.Calls.Load()).To(BeEquivalentTo(1))

				for _, m := range host.Table.Modules() {
					Expect(m.Name()).NotTo(HavePrefix("patchd."))
					Expect(m.Name()).NotTo(BeElementOf("early", "late"))
				}
			})

			It("clears every flag it read", func() {
				_, err := l.Launch(context.Background(), hostCfg, launcher.Payload{
					Patches: []string{"/patches/late.so"},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(awaitBoot().err).NotTo(HaveOccurred())
				Expect(spawner.env.Len()).To(Equal(0))
			})
		})

		Context("when a resource pack overrides a content file", func() {
			It("swaps the listing entry once", func() {
				pack := writePack(tmpDir, "pack", "sprites/a.png")

				_, err := l.Launch(context.Background(), hostCfg, launcher.Payload{
					Resources: []string{pack},
				})
				Expect(err).NotTo(HaveOccurred())
				res := awaitBoot()
				Expect(res.err).NotTo(HaveOccurred())
				Expect(res.report.Overrides).To(Equal(1))

				files, err := host.ListFiles()
				Expect(err).NotTo(HaveOccurred())
				Expect(files).To(Equal([]string{filepath.Join(pack, "sprites", "a.png"), "sprites/b.png"}))

				files, err = host.ListFiles()
				Expect(err).NotTo(HaveOccurred())
				Expect(files).To(Equal([]string{"sprites/a.png", "sprites/b.png"}))
			})
		})

		Context("when the key file fix applies", func() {
			It("negates the user data flag", func() {
				_, err := l.Launch(context.Background(), hostCfg, launcher.Payload{})
				Expect(err).NotTo(HaveOccurred())
				Expect(awaitBoot().err).NotTo(HaveOccurred())

				flag, err := host.RegisterFlag("Use", false)
				Expect(err).NotTo(HaveOccurred())
				Expect(flag).To(BeTrue())
			})
		})
	})

	Describe("refusing detectable hosts", func() {
		Context("when hiding is disabled on an engine that scans modules", func() {
			It("never spawns", func() {
				hostCfg.EngineVersion = "183.0.0"
				hostCfg.HideLevel = domain.HideDisabled

				_, err := l.Launch(context.Background(), hostCfg, launcher.Payload{})
				Expect(err).To(MatchError(stealth.ErrDetectable))
				Expect(spawner.done).To(BeNil())
			})
		})
	})
})

var _ = Describe("Boot without a controller", func() {
	var host *fixtures.FakeHost

	BeforeEach(func() {
		host = fixtures.NewFakeHost("210.0.3")
		Expect(host.Start()).To(Succeed())
	})

	Context("when a configured patch fails and failures are fatal", func() {
		It("returns the patch failure", func() {
			base := engineBase()
			base.PatchPaths = []string{"/patches/broken.so"}
			broken := &patch.Func{
				Meta: patch.Manifest{Name: "broken"},
				Apply: func(*hook.Engine) error {
					return os.ErrInvalid
				},
			}
			env := newMapEnv([]string{config.EnvThrowOnFail + "=true"})

			_, err := boot.Run(context.Background(), host.Table, boot.Options{
				Env:    env,
				Base:   &base,
				Opener: patchset.StaticOpener{"/patches/broken.so": {patch.Symbol: broken}},
				Logger: zap.NewNop(),
			})
			Expect(err).To(MatchError(domain.ErrPatchFailed))
			Expect(env.Len()).To(Equal(0))
		})
	})

	Context("when the hide level flag is garbage", func() {
		It("fails before touching the host", func() {
			env := newMapEnv([]string{config.EnvHideLevel + "=loud"})
			base := engineBase()
			_, err := boot.Run(context.Background(), host.Table, boot.Options{
				Env:    env,
				Base:   &base,
				Opener: patchset.StaticOpener{},
				Logger: zap.NewNop(),
			})
			Expect(err).To(HaveOccurred())
			Expect(host.Table.Module(usecase.EngineModule)).To(BeNil())
		})
	})
})
