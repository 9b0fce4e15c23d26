package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/patchd/internal/backport"
	"github.com/eliteGoblin/focusd/patchd/internal/config"
	"github.com/eliteGoblin/focusd/patchd/internal/domain"
	"github.com/eliteGoblin/focusd/patchd/internal/patchset"
	"github.com/eliteGoblin/focusd/patchd/internal/stealth"
	"github.com/eliteGoblin/focusd/patchd/pkg/hook"
	"github.com/eliteGoblin/focusd/patchd/pkg/patch"
	"github.com/eliteGoblin/focusd/patchd/test/fixtures"
)

// mockReceiver implements Receiver for testing
type mockReceiver struct {
	lists map[string][]string
	errs  map[string]error
	asked []string
}

func (m *mockReceiver) ReceivePaths(name string) ([]string, error) {
	m.asked = append(m.asked, name)
	if err := m.errs[name]; err != nil {
		return nil, err
	}
	return m.lists[name], nil
}

// loggedPatch records the logger it was handed.
type loggedPatch struct {
	patch.Func
	logger *zap.Logger
}

func (p *loggedPatch) SetLogger(l *zap.Logger) { p.logger = l }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxLoops = 3
	cfg.LoopCooldown = time.Millisecond
	return cfg
}

func startedHost(t *testing.T, files ...string) *fixtures.FakeHost {
	t.Helper()
	host := fixtures.NewFakeHost("210.0.3", files...)
	require.NoError(t, host.Start())
	return host
}

func moduleNames(mods []*hook.Module) []string {
	out := make([]string, 0, len(mods))
	for _, m := range mods {
		out = append(out, m.Name())
	}
	return out
}

func TestPatcher_BootOrdersPassesAndConceals(t *testing.T) {
	host := startedHost(t)
	j := &fixtures.Journal{}
	early := fixtures.NewInitCounter("early", true, host.Table, j)
	late := fixtures.NewInitCounter("late", false, host.Table, j)
	flagged := fixtures.NewInitCounter("flagged", true, host.Table, j)

	opener := patchset.StaticOpener{
		"/pre/early.so":  {patch.Symbol: early},
		"/p/late.so":     {patch.Symbol: late},
		"/p/flagged.so":  {patch.Symbol: flagged},
		"/p/early-again": {patch.Symbol: early},
	}
	receiver := &mockReceiver{lists: map[string][]string{
		"pre": {"/pre/early.so"},
		"pat": {"/p/flagged.so"},
	}}

	cfg := testConfig()
	cfg.PreloadEndpoint = "pre"
	cfg.PatchEndpoint = "pat"
	cfg.PatchPaths = []string{"/p/late.so", "/pre/early.so"}

	p := NewPatcher(cfg, host.Table, opener, receiver, zap.NewNop())
	require.NoError(t, p.Boot(context.Background()))

	// Preload pass first, then preload-flagged patches ahead of the rest.
	// The preloaded module is not applied twice.
	assert.Equal(t, []string{"apply:early", "apply:flagged", "apply:late"}, j.Entries())
	assert.Equal(t, []string{"pre", "pat"}, receiver.asked)

	for _, c := range []*fixtures.InitCounter{early, late, flagged} {
		select {
		case <-c.Entered:
		case <-time.After(time.Second):
			t.Fatalf("entry of %s never ran", c.Meta.Name)
		}
	}

	_, err := host.Init()
	require.NoError(t, err)
	assert.Equal(t, 1, host.Inits())
	assert.EqualValues(t, 1, early.Calls.Load())
	assert.EqualValues(t, 1, late.Calls.Load())

	report := p.Report()
	assert.Empty(t, report.Missing)
	assert.True(t, report.Concealed)
	assert.Equal(t, []string{"early", "flagged", "late"}, report.Patches)

	visible := moduleNames(host.Table.Modules())
	assert.Contains(t, visible, "Content.Client")
	for _, name := range visible {
		assert.NotContains(t, name, "patchd.")
		assert.NotEqual(t, "early", name)
		assert.NotEqual(t, "late", name)
	}
	assert.Empty(t, host.Table.Module(EngineModule).Targets())
	assert.Equal(t, stealth.Concealed, p.Concealer().State())

	assert.ErrorIs(t, p.Boot(context.Background()), ErrAlreadyBooted)
}

func TestPatcher_FailurePolicy(t *testing.T) {
	tests := []struct {
		name        string
		throwOnFail bool
		wantErr     error
		wantApplied []string
	}{
		{"fail open continues", false, nil, []string{"after"}},
		{"fail closed aborts", true, domain.ErrPatchFailed, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := startedHost(t)
			broken := &patch.Func{
				Meta:  patch.Manifest{Name: "broken"},
				Apply: func(*hook.Engine) error { return errors.New("target moved") },
			}
			panicky := &patch.Func{
				Meta:  patch.Manifest{Name: "panicky"},
				Apply: func(*hook.Engine) error { panic("boom") },
			}
			after := &patch.Func{Meta: patch.Manifest{Name: "after"}}

			cfg := testConfig()
			cfg.ThrowOnFail = tt.throwOnFail
			cfg.PatchPaths = []string{"/p/broken.so", "/p/panicky.so", "/p/after.so"}
			opener := patchset.StaticOpener{
				"/p/broken.so":  {patch.Symbol: broken},
				"/p/panicky.so": {patch.Symbol: panicky},
				"/p/after.so":   {patch.Symbol: after},
			}

			p := NewPatcher(cfg, host.Table, opener, nil, zap.NewNop())
			err := p.Boot(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantApplied, p.Report().Patches)
		})
	}
}

func TestPatcher_HideLevels(t *testing.T) {
	tests := []struct {
		level         domain.HideLevel
		wantConcealed bool
		wantLogger    bool
		wantHidden    bool
	}{
		{domain.HideDisabled, false, true, false},
		{domain.HideNormal, true, true, true},
		{domain.HideExplicit, true, false, true},
		{domain.HideUnconditional, true, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			host := startedHost(t)
			lp := &loggedPatch{Func: patch.Func{Meta: patch.Manifest{Name: "chatty"}}}

			cfg := testConfig()
			cfg.HideLevel = tt.level
			cfg.PatchPaths = []string{"/p/chatty.so"}

			p := NewPatcher(cfg, host.Table, patchset.StaticOpener{
				"/p/chatty.so": {patch.Symbol: lp},
			}, nil, zap.NewNop())
			require.NoError(t, p.Boot(context.Background()))

			assert.Equal(t, tt.wantConcealed, p.Report().Concealed)
			assert.Equal(t, tt.wantLogger, lp.logger != nil)

			d := p.Registry().List(domain.KindPatch)
			require.Len(t, d, 1)
			assert.Equal(t, tt.wantHidden, p.Concealer().Hidden(d[0].Module))
		})
	}
}

func TestPatcher_Subverter(t *testing.T) {
	host := startedHost(t)
	j := &fixtures.Journal{}
	sub := &patch.Func{
		Meta:  patch.Manifest{Name: patchset.SubverterName},
		Apply: func(*hook.Engine) error { j.Add("apply:subverter"); return nil },
	}
	extra := &patch.Func{
		Meta:  patch.Manifest{Name: "extra"},
		Apply: func(*hook.Engine) error { j.Add("apply:extra"); return nil },
	}
	normal := fixtures.NewInitCounter("normal", false, host.Table, j)

	cfg := testConfig()
	cfg.HideLevel = domain.HideUnconditional
	cfg.SubverterPaths = []string{"/s/extra.so", "/s/subverter.so"}
	cfg.PatchPaths = []string{"/s/subverter.so", "/p/normal.so"}
	opener := patchset.StaticOpener{
		"/s/subverter.so": {patch.SubverterSymbol: sub},
		"/s/extra.so":     {patch.SubverterSymbol: extra},
		"/p/normal.so":    {patch.Symbol: normal},
	}

	p := NewPatcher(cfg, host.Table, opener, nil, zap.NewNop())
	require.NoError(t, p.Boot(context.Background()))

	assert.Equal(t, []string{"apply:subverter", "apply:extra", "apply:normal"}, j.Entries())
	assert.Equal(t, "/s/subverter.so", p.Report().Subverter)
	require.NotNil(t, p.Registry().Subverter())
	assert.True(t, p.Concealer().Hidden(p.Registry().Subverter().Module))
}

func TestPatcher_SubverterFromSecondOriginIsDropped(t *testing.T) {
	host := startedHost(t)
	j := &fixtures.Journal{}
	subverter := func(tag string) *patch.Func {
		return &patch.Func{
			Meta:  patch.Manifest{Name: patchset.SubverterName},
			Apply: func(*hook.Engine) error { j.Add("apply:" + tag); return nil },
		}
	}

	cfg := testConfig()
	cfg.SubverterPaths = []string{"/a/subverter.so", "/b/subverter.so"}
	p := NewPatcher(cfg, host.Table, patchset.StaticOpener{
		"/a/subverter.so": {patch.SubverterSymbol: subverter("first")},
		"/b/subverter.so": {patch.SubverterSymbol: subverter("second")},
	}, nil, zap.NewNop())
	require.NoError(t, p.Boot(context.Background()))

	assert.Equal(t, []string{"apply:first"}, j.Entries())
	assert.Equal(t, "/a/subverter.so", p.Report().Subverter)
}

func TestPatcher_Backports(t *testing.T) {
	host := startedHost(t)
	j := &fixtures.Journal{}
	record := func(name string) func(*hook.Engine, *hook.Target) error {
		return func(*hook.Engine, *hook.Target) error { j.Add(name); return nil }
	}
	content := &backport.Backport{
		Name: "content", TargetType: "Content.Client.Entry.EntryPoint", TargetMethod: "Init",
		Content: true, Kind: hook.Before, Apply: record("content"),
	}
	engine := &backport.Backport{
		Name: "engine", TargetType: "Robust.Shared.ContentPack.ResourceManager", TargetMethod: "ContentFindFiles",
		Kind: hook.After, Apply: record("engine"),
	}
	patchJournal := &patch.Func{
		Meta:  patch.Manifest{Name: "user"},
		Apply: func(*hook.Engine) error { j.Add("user"); return nil },
	}

	cfg := testConfig()
	cfg.EngineVersion = "210.0.3"
	cfg.PatchPaths = []string{"/p/user.so"}
	p := NewPatcher(cfg, host.Table, patchset.StaticOpener{
		"/p/user.so": {patch.Symbol: patchJournal},
	}, nil, zap.NewNop())
	p.UseBackports(append(backport.Builtin(), content, engine))
	require.NoError(t, p.Boot(context.Background()))

	assert.Equal(t, []string{"engine", "user", "content"}, j.Entries())
	assert.Equal(t, []string{"BindFix", "engine", "content"}, p.Report().Backports)

	flag, err := host.RegisterFlag("Use", false)
	require.NoError(t, err)
	assert.True(t, flag)
}

func TestPatcher_MisconfiguredBackportAborts(t *testing.T) {
	host := startedHost(t)
	bad := &backport.Backport{
		Name: "bad", TargetType: "A", TargetMethod: "B", Kind: hook.Before,
		Patch: hook.Prefix(hook.Skip),
		Constraints: backport.Constraints{
			Min: backport.MustVersion("3.0.0"),
			Max: backport.MustVersion("2.0.0"),
		},
	}
	p := NewPatcher(testConfig(), host.Table, patchset.StaticOpener{}, nil, zap.NewNop())
	p.UseBackports([]*backport.Backport{bad})
	assert.ErrorIs(t, p.Boot(context.Background()), backport.ErrMisconfigured)
}

func TestPatcher_ResourceOverrides(t *testing.T) {
	root := t.TempDir()
	pack := filepath.Join(root, "pack")
	require.NoError(t, os.MkdirAll(filepath.Join(pack, "sprites"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pack, "meta.json"),
		[]byte(`{"name":"Pack","description":"d","target":""}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(pack, "sprites", "a.png"), []byte("png"), 0644))

	host := startedHost(t, "sprites/a.png", "sprites/b.png")
	receiver := &mockReceiver{lists: map[string][]string{"res": {pack}}}

	cfg := testConfig()
	cfg.ResourceEndpoint = "res"
	p := NewPatcher(cfg, host.Table, patchset.StaticOpener{}, receiver, zap.NewNop())
	require.NoError(t, p.Boot(context.Background()))
	assert.Equal(t, 1, p.Report().Overrides)

	files, err := host.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(pack, "sprites", "a.png"), "sprites/b.png"}, files)

	files, err = host.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"sprites/a.png", "sprites/b.png"}, files)
}

func TestPatcher_DegradedInputs(t *testing.T) {
	host := fixtures.NewFakeHost("210.0.3")
	require.NoError(t, host.LoadEngine())

	receiver := &mockReceiver{errs: map[string]error{"pre": errors.New("garbled")}}
	cfg := testConfig()
	cfg.PreloadEndpoint = "pre"

	p := NewPatcher(cfg, host.Table, patchset.StaticOpener{}, receiver, zap.NewNop())
	require.NoError(t, p.Boot(context.Background()))
	assert.ElementsMatch(t, []string{"Content.Client,", "Content.Shared,"}, p.Report().Missing)
}

func TestPatcher_LocateCancelled(t *testing.T) {
	host := fixtures.NewFakeHost("210.0.3")
	cfg := testConfig()
	cfg.MaxLoops = 100
	cfg.LoopCooldown = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPatcher(cfg, host.Table, patchset.StaticOpener{}, nil, zap.NewNop())
	assert.ErrorIs(t, p.Boot(ctx), context.Canceled)
}

func TestPreloadFirst(t *testing.T) {
	descs := []*domain.PatchDescriptor{
		{Name: "a"}, {Name: "b", Preload: true}, {Name: "c"}, {Name: "d", Preload: true},
	}
	var got []string
	for _, d := range preloadFirst(descs) {
		got = append(got, d.Name)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, got)
}
