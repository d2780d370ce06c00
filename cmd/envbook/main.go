package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/envbook/internal/app"
	"github.com/mistakeknot/envbook/internal/auth"
	"github.com/mistakeknot/envbook/internal/cli"
	"github.com/mistakeknot/envbook/internal/config"
	"github.com/mistakeknot/envbook/internal/core"
	"github.com/mistakeknot/envbook/internal/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "envbook",
		Short:        "Test environment booking service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), initCmd(), sweepCmd())
	return root
}

type loadFlags struct {
	configFile string
	dbPath     string
	keysFile   string
}

func (f *loadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configFile, "config", "", "YAML config file")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "SQLite database path (overrides config)")
	cmd.Flags().StringVar(&f.keysFile, "keys-file", "", "API keys file (overrides config)")
}

func (f *loadFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return config.Config{}, err
	}
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	if f.keysFile != "" {
		cfg.KeysFile = f.keysFile
	}
	if cfg.KeysFile == "" {
		cfg.KeysFile = auth.ResolveKeysPath()
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var (
		flags  loadFlags
		addr   string
		socket string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic reconciler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			logger, err := cfg.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ring, err := auth.LoadKeyring(cfg.KeysFile)
			if err != nil {
				return fmt.Errorf("auth init: %w", err)
			}
			if err := a.SyncUsers(ctx, ring); err != nil {
				return err
			}

			sched, err := a.Scheduler()
			if err != nil {
				return err
			}
			sched.Start(ctx)
			defer sched.Stop()

			srv, err := server.New(server.Config{
				Addr:       cfg.Addr,
				SocketPath: socket,
				Handler:    a.Handler(ring),
				Logger:     logger,
			})
			if err != nil {
				return fmt.Errorf("server init: %w", err)
			}
			return srv.Run(ctx)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&socket, "socket", "", "also serve on this unix socket")
	return cmd
}

func initCmd() *cobra.Command {
	var (
		keysFile string
		username string
		id       int64
		role     string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or extend the API keys file with a new key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keysFile == "" {
				keysFile = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(keysFile, username, id, core.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added key for %s to %s\n%s\n", username, keysFile, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "path to keys file")
	cmd.Flags().StringVar(&username, "user", "", "username the key belongs to")
	cmd.Flags().Int64Var(&id, "id", 0, "numeric user id (required for a new user)")
	cmd.Flags().StringVar(&role, "role", "", "admin, manager or user")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func sweepCmd() *cobra.Command {
	var flags loadFlags
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run every reconciler task once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := cfg.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := a.Scheduler()
			if err != nil {
				return err
			}
			var errs []error
			for _, r := range sched.RunAll(cmd.Context(), time.Now().UTC()) {
				if r.Err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", r.Task, r.Err))
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tfailed\t%v\n", r.Task, r.Err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", r.Task, r.Items)
			}
			return errors.Join(errs...)
		},
	}
	flags.register(cmd)
	return cmd
}
