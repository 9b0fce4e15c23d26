// Package main is the CLI entry point for patchd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/patchd/internal/backport"
	"github.com/eliteGoblin/focusd/patchd/internal/config"
	"github.com/eliteGoblin/focusd/patchd/internal/domain"
	"github.com/eliteGoblin/focusd/patchd/internal/infra"
	"github.com/eliteGoblin/focusd/patchd/internal/ipc"
	"github.com/eliteGoblin/focusd/patchd/internal/launcher"
	"github.com/eliteGoblin/focusd/patchd/internal/locator"
	"github.com/eliteGoblin/focusd/patchd/internal/resource"
	"github.com/eliteGoblin/focusd/patchd/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchd",
	Short: "Patch loader for game clients",
	Long: `patchd manages patch plugins and resource packs for a game client and
launches the client with the enabled ones injected before its own code loads.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List patches and resource packs",
	RunE:  runList,
}

var enableCmd = &cobra.Command{
	Use:   "enable <patch|pack>",
	Short: "Enable a patch or resource pack by name or path",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runToggle(args[0], true) },
}

var disableCmd = &cobra.Command{
	Use:   "disable <patch|pack>",
	Short: "Disable a patch or resource pack by name or path",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runToggle(args[0], false) },
}

var preloadCmd = &cobra.Command{
	Use:   "preload <patch>",
	Short: "Mark a patch to load before the client's own modules",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreload,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Forget patches and packs that are gone",
	RunE:  runPrune,
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch the client with the enabled patches",
	Long: `Starts the configured client detached, with the PATCHD_* flags set, and
hands it the preload, subverter, patch and resource-pack lists over one-shot
channels with randomized names.`,
	RunE: runLaunch,
}

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Wait for modules to appear in a running process",
	RunE:  runLocate,
}

var backportsCmd = &cobra.Command{
	Use:   "backports",
	Short: "Show which built-in backports apply to an engine version",
	RunE:  runBackports,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath   string
	dataDir      string
	logFile      string
	debug        bool
	patchDir     string
	subverterDir string
	packDir      string
	jsonOutput   bool
	preloadOff   bool

	locatePID     int
	locateName    string
	locateTargets []string

	backportEngine string
	backportFork   string
	backportNoAny  bool

	cfg config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "State directory (default ~/.patchd)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Verbose logging")
	rootCmd.PersistentFlags().StringVar(&patchDir, "patches", "", "Patch folder (default <data-dir>/patches)")
	rootCmd.PersistentFlags().StringVar(&subverterDir, "subverters", "", "Subverter folder (default <data-dir>/subverters)")
	rootCmd.PersistentFlags().StringVar(&packDir, "packs", "", "Resource pack folder (default <data-dir>/packs)")

	preloadCmd.Flags().BoolVar(&preloadOff, "off", false, "Clear the preload mark instead")

	locateCmd.Flags().IntVar(&locatePID, "pid", 0, "Process id to inspect")
	locateCmd.Flags().StringVar(&locateName, "name", "", "Find the process by name instead")
	locateCmd.Flags().StringSliceVar(&locateTargets, "target", []string{
		"Robust.Client", "Robust.Shared", "Content.Client", "Content.Shared",
	}, "Module names to wait for")

	backportsCmd.Flags().StringVar(&backportEngine, "engine", "", "Engine version")
	backportsCmd.Flags().StringVar(&backportFork, "fork", "", "Fork id")
	backportsCmd.Flags().BoolVar(&backportNoAny, "no-any", false, "Drop any-version backports")

	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(listCmd, enableCmd, disableCmd, preloadCmd, pruneCmd,
		launchCmd, locateCmd, backportsCmd, versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	cfg = config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if debug {
		cfg.Debug = true
	}
	return nil
}

func createLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	if logFile != "" {
		config.OutputPaths = []string{logFile}
		config.ErrorOutputPaths = []string{logFile}
	}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

// folders resolves the patch, subverter and pack folders.
func folders(fs domain.FileSystemManager) (patches, subverters, packs string) {
	base := fs.ExpandHome(cfg.DataDir)
	pick := func(flag, name string) string {
		if flag != "" {
			return fs.ExpandHome(flag)
		}
		return filepath.Join(base, name)
	}
	return pick(patchDir, "patches"), pick(subverterDir, "subverters"), pick(packDir, "packs")
}

// openCatalog opens the encrypted store and the catalog over it. The caller
// closes the store.
func openCatalog(logger *zap.Logger) (*usecase.Catalog, *infra.EncryptedStore, error) {
	fs := infra.NewFileSystemManager()
	store, err := infra.OpenStore(fs.ExpandHome(cfg.DataDir))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	patches, subverters, packs := folders(fs)
	return usecase.NewCatalog(fs, store, patches, subverters, packs, logger), store, nil
}

func runList(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	catalog, store, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := catalog.List()
	if err != nil {
		return err
	}

	var patches, packs []usecase.CatalogEntry
	for _, e := range entries {
		if e.Kind == domain.KindResourcePack {
			packs = append(packs, e)
		} else {
			patches = append(patches, e)
		}
	}

	fmt.Println("\n=== Patches ===")
	if len(patches) == 0 {
		fmt.Println("  (none)")
	}
	for _, e := range patches {
		var notes []string
		if e.Kind == domain.KindSubverter {
			notes = append(notes, "subverter")
		}
		if e.Preload {
			notes = append(notes, "preload")
		}
		printEntry(e, e.Path, notes)
	}

	fmt.Println("\n=== Resource packs ===")
	if len(packs) == 0 {
		fmt.Println("  (none)")
	}
	for _, e := range packs {
		if !e.Present {
			printEntry(e, e.Path, nil)
			continue
		}
		p, err := resource.LoadPack(e.Path)
		if err != nil {
			printEntry(e, e.Path, []string{fmt.Sprintf("invalid: %v", err)})
			continue
		}
		target := p.Target
		if target == "" {
			target = "any fork"
		}
		printEntry(e, fmt.Sprintf("%s - %s (%s)", p.Name, p.Description, e.Path), []string{target})
	}
	fmt.Println("\n===============")
	return nil
}

func printEntry(e usecase.CatalogEntry, label string, notes []string) {
	mark := " "
	if e.Enabled {
		mark = "x"
	}
	if !e.Present {
		notes = append(notes, "missing")
	}
	fmt.Printf("  [%s] %s", mark, label)
	if len(notes) > 0 {
		fmt.Printf(" %v", notes)
	}
	fmt.Println()
}

func runToggle(name string, enabled bool) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	catalog, store, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := catalog.SetEnabled(name, enabled)
	if err != nil {
		return err
	}
	state := "disabled"
	if st.Enabled {
		state = "enabled"
	}
	fmt.Printf("%s %s\n", st.Path, state)
	return nil
}

func runPreload(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	catalog, store, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := catalog.SetPreload(args[0], !preloadOff)
	if err != nil {
		return err
	}
	if !preloadOff && !st.Preload {
		fmt.Printf("%s is not an ordinary patch and cannot be preloaded\n", st.Path)
		return nil
	}
	fmt.Printf("%s preload=%t\n", st.Path, st.Preload)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	catalog, store, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := catalog.Prune()
	if err != nil {
		return err
	}
	fmt.Printf("Forgot %d missing patches and packs\n", n)
	return nil
}

func runLaunch(cmd *cobra.Command, args []string) error {
	if cfg.Host == "" {
		return fmt.Errorf("no host configured (set host in --config)")
	}
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	catalog, store, err := openCatalog(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sel, err := catalog.Selection()
	if err != nil {
		return err
	}
	// Packs named in the config file are always sent.
	packDirs := append(sel.Resources, cfg.ResourcePacks...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	l := launcher.New(
		launcher.DefaultConfig(),
		launcher.ExecSpawner{},
		ipc.NewServer("", logger.Named("ipc")),
		infra.NewObfuscator(),
		infra.NewProcessManager(),
		logger,
	)
	session, err := l.Launch(ctx, cfg, launcher.Payload{
		Preload:    sel.Preload,
		Patches:    sel.Patches,
		Subverters: sel.Subverters,
		Resources:  packDirs,
	})
	if session != nil {
		for key, name := range session.Endpoints {
			if serr := store.SetSecret("endpoint."+key, name); serr != nil {
				logger.Warn("failed to record endpoint", zap.String("channel", key), zap.Error(serr))
			}
		}
	}
	if err != nil {
		return err
	}

	fmt.Printf("Launched %s (pid %d)\n", cfg.Host, session.PID)
	fmt.Printf("  preload: %d  subverters: %d  patches: %d  packs: %d\n",
		len(sel.Preload), len(sel.Subverters), len(sel.Patches), len(packDirs))
	return nil
}

func runLocate(cmd *cobra.Command, args []string) error {
	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	pm := infra.NewProcessManager()
	pid := locatePID
	if pid == 0 {
		if locateName == "" {
			return fmt.Errorf("either --pid or --name is required")
		}
		pids, err := pm.FindByName(locateName)
		if err != nil {
			return err
		}
		if len(pids) == 0 {
			return fmt.Errorf("no process matches %q", locateName)
		}
		pid = pids[0]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loc := locator.New(infra.NewProcessModules(pid), cfg.MaxLoops, cfg.LoopCooldown, logger)
	res, err := loc.Locate(ctx, locateTargets)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== Modules of pid %d ===\n", pid)
	for _, name := range locateTargets {
		if m, ok := res.Found[name]; ok {
			fmt.Printf("  %-16s %s\n", name, m.FullName())
		} else {
			fmt.Printf("  %-16s (missing)\n", name)
		}
	}
	return nil
}

func runBackports(cmd *cobra.Command, args []string) error {
	engine := backportEngine
	if engine == "" {
		engine = cfg.EngineVersion
	}
	fork := backportFork
	if fork == "" {
		fork = cfg.ForkID
	}

	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	m := backport.NewManager(nil, nil, backport.Options{
		EngineVersion: engine,
		Fork:          fork,
		AllowAny:      !backportNoAny && !cfg.DisableAnyBackports,
	}, logger)

	fmt.Printf("\n=== Backports for engine %q fork %q ===\n", engine, fork)
	selected := make(map[string]bool)
	for _, b := range m.Select(backport.Builtin()) {
		selected[b.Name] = true
	}
	for _, b := range backport.Builtin() {
		mark := " "
		if selected[b.Name] {
			mark = "x"
		}
		fmt.Printf("  [%s] %s -> %s (%s)\n", mark, b.Name, b.TargetName(), b.Kind)
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
	} else {
		fmt.Printf("patchd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
