package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"shelfcheck/api"
	"shelfcheck/config"
	"shelfcheck/library"
	"shelfcheck/secrets"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	dbPath string
	cfg    config.Config
	log    *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "shelfcheck",
		Short:         "Library catalog and circulation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (overrides SHELFCHECK_DB_PATH)")
	root.AddCommand(a.serveCmd(), a.migrateCmd(), a.createAdminCmd(), a.statsCmd())
	return root
}

func (a *app) init() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.DBPath = a.dbPath
	}
	a.cfg = cfg

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	a.log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.log)
	return nil
}

// openManager connects to the configured store. Migrations run on open.
func (a *app) openManager(ctx context.Context) (*library.LibraryManager, error) {
	opts := []library.Option{library.WithLogger(a.log)}
	if a.cfg.DBDriver != library.DriverPostgres {
		return library.NewLibraryManager(a.cfg.DBPath, opts...)
	}

	creds, err := secrets.NewLoader(a.cfg.DBSecretFile).Load(ctx)
	if err != nil {
		return nil, err
	}
	db, err := library.OpenDatabase(ctx, library.DriverPostgres, a.cfg.PostgresDSN(creds.Username, creds.Password))
	if err != nil {
		return nil, err
	}
	lm, err := library.NewLibraryManagerWithDatabase(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return lm, nil
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr, err := a.openManager(ctx)
			if err != nil {
				a.log.Error("db connect failed", "err", err)
				return err
			}
			defer mgr.Close()

			secret := a.cfg.JWTSecret
			if secret == "" {
				secret = randomSecret()
				a.log.Warn("SHELFCHECK_JWT_SECRET not set; tokens will not survive a restart")
			}
			e := api.New(mgr, api.NewTokens(secret, a.cfg.TokenTTL), a.log)

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("starting server", "addr", a.cfg.Addr(), "driver", a.cfg.DBDriver)
				errCh <- e.Start(a.cfg.Addr())
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.log.Info("shutting down")
			return e.Shutdown(shutdownCtx)
		},
	}
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()
			fmt.Println("Schema is up to date.")
			return nil
		},
	}
}

func (a *app) createAdminCmd() *cobra.Command {
	var username, email string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Enter admin password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			confirm, err := readPassword("Confirm admin password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}

			mgr, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			u, err := mgr.CreateAdmin(cmd.Context(), username, email, password)
			if err != nil {
				return err
			}
			fmt.Printf("Admin %s created (ID: %d)\n", u.Username, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "admin", "admin login name")
	cmd.Flags().StringVar(&email, "email", "", "admin email address")
	cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print inventory and circulation counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer mgr.Close()

			s, err := mgr.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%-20s %s\n", "Metric", "Count")
			fmt.Println(strings.Repeat("-", 30))
			fmt.Printf("%-20s %d\n", "Books", s.Books)
			fmt.Printf("%-20s %d\n", "Copies available", s.CopiesAvailable)
			fmt.Printf("%-20s %d\n", "Copies borrowed", s.CopiesBorrowed)
			fmt.Printf("%-20s %d\n", "Users", s.Users)
			fmt.Printf("%-20s %d\n", "Active loans", s.ActiveLoans)
			return nil
		},
	}
}

// readPassword securely reads a password with masking
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println() // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
