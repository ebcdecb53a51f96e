// Package main is the flowdir command line tool.
//
// flowdir manages a directory-backed store of books, flows and tasks: it
// creates and validates the layout, reads and writes entities as JSON,
// records git snapshots of the tree and drives concurrent load against it.
// Configuration is read from flowdir.yaml (or $FLOWDIR_CONFIG) and CLI
// flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/maruel/flowdir/internal/config"
	"github.com/maruel/flowdir/internal/storage"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "flowdir: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	return newRootCmd(&app{}).ExecuteContext(ctx)
}

// app is the state shared by every command of one invocation.
type app struct {
	configFile string
	path       string
	logLevel   string
	logFile    string
	watch      bool

	cfg      *config.Config
	reg      *prometheus.Registry
	onChange func(fsnotify.Event)
	closers  []func() error
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "flowdir",
		Short: "Directory-backed store of books, flows and tasks",
		Long: `flowdir persists books, their flows and the flows' tasks as JSON files
under a storage root, linking children to parents with symbolic links.

Processes sharing a root are serialized with advisory file locks.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Configuration file (default $"+config.EnvVar+" or "+config.DefaultFile+")")
	pf.StringVar(&a.path, "path", "", "Storage root (default ./data)")
	pf.StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&a.logFile, "log-file", "", "Write logs to this file with rotation instead of stderr")
	pf.BoolVar(&a.watch, "watch", false, "Evict cached files as soon as another process modifies them")

	root.AddCommand(
		upgradeCmd(a),
		validateCmd(a),
		bookCmd(a),
		flowCmd(a),
		taskCmd(a),
		clearCmd(a),
		schemaCmd(a),
		snapshotCmd(a),
		historyCmd(a),
		watchCmd(a),
		stressCmd(a),
		versionCmd(),
	)
	return root
}

// setup loads the configuration, lets explicitly set flags override it and
// installs the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	file := config.Path(a.configFile)
	required := a.configFile != "" || os.Getenv(config.EnvVar) != ""
	cfg, err := config.Load(file, required)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("path") {
		cfg.Path = a.path
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("log-file") {
		cfg.LogFile = a.logFile
	}
	if flags.Changed("watch") {
		cfg.Watch = a.watch
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.reg = prometheus.NewRegistry()
	return a.initLogging(cmd.ErrOrStderr())
}

func (a *app) teardown(*cobra.Command, []string) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) initLogging(stderr io.Writer) error {
	level, err := config.ParseLevel(a.cfg.LogLevel)
	if err != nil {
		return err
	}
	var w io.Writer
	noColor := true
	if a.cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   a.cfg.LogFile,
			MaxSize:    10, // Megabytes
			MaxBackups: 5,
			MaxAge:     30, // Days
			Compress:   true,
		}
		a.closers = append(a.closers, lj.Close)
		w = lj
	} else if f, ok := stderr.(*os.File); ok {
		w = colorable.NewColorable(f)
		noColor = !isatty.IsTerminal(f.Fd())
	} else {
		w = stderr
	}
	logger := slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    noColor,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			skip := false
			switch t := attr.Value.Any().(type) {
			case string:
				skip = t == ""
			case int64:
				skip = t == 0
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return attr
		},
	}))
	slog.SetDefault(logger)
	return nil
}

// open returns the store configured for this invocation.
func (a *app) open(ctx context.Context) (*storage.Store, error) {
	opts := &storage.Options{Registerer: a.reg, Watch: a.cfg.Watch, OnChange: a.onChange}
	s, err := storage.Open(ctx, a.cfg.Path, opts)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, s.Close)
	return s, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			version, goVersion, revision, dirty := getBuildInfo()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "flowdir %s\n", version)
			fmt.Fprintf(w, "  Go version: %s\n", goVersion)
			fmt.Fprintf(w, "  Revision:   %s\n", revision)
			if dirty {
				fmt.Fprintf(w, "  Modified:   true\n")
			}
			return nil
		},
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
