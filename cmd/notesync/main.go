// Command notesync edits a local notes tree and synchronizes it with the
// remote directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/and161185/notesync/internal/app"
	"github.com/and161185/notesync/internal/config"
	"github.com/and161185/notesync/internal/logging"
	"github.com/and161185/notesync/internal/repository/postgres"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// appFs is the file system profiles live on; tests swap it for a MemMapFs.
var appFs = afero.NewOsFs()

// env is what every subcommand needs after flags are parsed.
type env struct {
	cfg     *config.Config
	log     *zap.Logger
	reg     *app.Registry
	profile *app.Profile
	out     io.Writer
	closers []func() error
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:          "notesync",
		Short:        "Edit and synchronize a notes tree",
		Version:      fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage: true,
		// main prints the error.
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default <data-dir>/config.yaml)")
	pf.String("data-dir", config.DefaultDataDir(), "directory holding per-account notes")
	pf.String("account", "default", "account profile")
	pf.String("log-level", "info", "log level")
	pf.String("log-file", "", "log to this file with rotation")
	pf.String("dsn", "", "PostgreSQL DSN for durable directory storage")
	_ = v.BindPFlag(config.KeyDataDir, pf.Lookup("data-dir"))
	_ = v.BindPFlag(config.KeyAccount, pf.Lookup("account"))
	_ = v.BindPFlag(config.KeyLogLevel, pf.Lookup("log-level"))
	_ = v.BindPFlag(config.KeyLogFile, pf.Lookup("log-file"))
	_ = v.BindPFlag(config.KeyPostgresDSN, pf.Lookup("dsn"))

	setup := func(cmd *cobra.Command) (*env, error) {
		cfg, err := config.Load(v, appFs, cfgFile)
		if err != nil {
			return nil, err
		}
		log, closeLog, err := logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		e := &env{cfg: cfg, log: log, out: cmd.OutOrStdout(), closers: []func() error{closeLog}}
		return e, nil
	}
	// open additionally loads the selected account's profile.
	open := func(cmd *cobra.Command) (*env, error) {
		e, err := setup(cmd)
		if err != nil {
			return nil, err
		}
		ctx := cmd.Context()
		opts := app.Options{
			Fs:  appFs,
			Log: e.log,
			OnSyncError: func(account string, err error) {
				e.log.Error("sync halted", zap.String("account", account), zap.Error(err))
			},
		}
		if e.cfg.PostgresDSN != "" {
			db, err := postgres.New(ctx, e.cfg.PostgresDSN)
			if err != nil {
				e.close()
				return nil, err
			}
			e.closers = append(e.closers, func() error { db.Close(); return nil })
			opts.Repo = postgres.NewDirectoryRepo(db)
		}
		e.reg = app.NewRegistry(e.cfg, opts)
		e.closers = append(e.closers, e.reg.Close)
		if e.profile, err = e.reg.Get(ctx, e.cfg.Account); err != nil {
			e.close()
			return nil, err
		}
		return e, nil
	}

	root.AddCommand(
		newTreeCmd(open),
		newAddNoteCmd(open),
		newAddFolderCmd(open),
		newSearchCmd(open),
		newRmCmd(open),
		newRestoreCmd(open),
		newEmptyTrashCmd(open),
		newSyncCmd(open),
		newMigrateCmd(setup),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(config.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
