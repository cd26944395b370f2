package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lernica/mongomirror"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	pflag.Bool("serve", false, "Run the replication worker and admin API")
	pflag.Bool("status", false, "Print the manager status and persisted target")
	pflag.Bool("enable", false, "Enable replication in the persisted config")
	pflag.Bool("disable", false, "Disable replication in the persisted config")
	pflag.Bool("clear-config", false, "Delete the persisted replication config")
	pflag.Bool("token", false, "Mint an admin API token")
	pflag.String("set-url", "", "Set the secondary connection string")
	pflag.String("set-db", "", "Set the secondary database name")
	pflag.String("set-username", "", "Set the informational username")
	pflag.String("set-password", "", "Set the informational password")
	pflag.Parse()

	opts, err := LoadOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	opts.Logger = &logger

	if boolFlag("serve") {
		serve(opts, logger)
		return
	}

	if boolFlag("token") {
		secret, err := mongomirror.EnsureKey(opts.DataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading key material: %v\n", err)
			os.Exit(1)
		}
		tok, err := mongomirror.GenerateAdminToken("cli", secret, 24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error minting token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	store, err := mongomirror.OpenConfigStore(opts.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening config store: %v\n", err)
		os.Exit(1)
	}

	if boolFlag("clear-config") {
		if err := store.Clear(); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Replication config cleared.")
		return
	}

	if boolFlag("status") {
		cfg := store.Load()
		out, _ := json.MarshalIndent(map[string]any{
			"replication_enabled": cfg.Enabled,
			"db_name":             cfg.DBName,
			"mongo_url_set":       cfg.MongoURL != "",
			"active":              cfg.Active(),
		}, "", "  ")
		fmt.Println(string(out))
		return
	}

	if mutateConfig(store) {
		return
	}

	fmt.Println("Usage:")
	pflag.PrintDefaults()
}

// mutateConfig applies any --set-*/--enable/--disable flags to the persisted
// config. Returns false when no mutating flag was given.
func mutateConfig(store *mongomirror.ConfigStore) bool {
	cfg := store.Load()
	changed := false
	if v := stringFlag("set-url"); v != "" {
		cfg.MongoURL = v
		changed = true
	}
	if v := stringFlag("set-db"); v != "" {
		cfg.DBName = v
		changed = true
	}
	if v := stringFlag("set-username"); v != "" {
		cfg.Username = v
		changed = true
	}
	if v := stringFlag("set-password"); v != "" {
		cfg.Password = v
		changed = true
	}
	if boolFlag("enable") {
		cfg.Enabled = true
		changed = true
	}
	if boolFlag("disable") {
		cfg.Enabled = false
		changed = true
	}
	if !changed {
		return false
	}
	if err := store.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Replication config updated.")
	if cfg.Enabled && !cfg.Active() {
		fmt.Println("Warning: replication is enabled but the target is incomplete; the manager will stay disabled.")
	}
	return true
}

func serve(opts mongomirror.Options, logger zerolog.Logger) {
	stack, err := mongomirror.NewStack(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building replication stack: %v\n", err)
		os.Exit(1)
	}
	stack.Start()
	defer stack.Stop()

	if opts.PrimaryDB != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		primary, err := mongomirror.ConnectMongo(ctx, opts.PrimaryURL, opts.PrimaryDB)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to primary: %v\n", err)
			os.Exit(1)
		}
		db := stack.Wrap(primary)
		defer db.Close(context.Background())
		logger.Info().Str("db", opts.PrimaryDB).Msg("primary connected and wrapped")
	}

	admin, err := stack.Admin()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building admin server: %v\n", err)
		os.Exit(1)
	}
	srv := &http.Server{Addr: opts.AdminHost, Handler: admin.Handler()}
	go func() {
		logger.Info().Str("addr", opts.AdminHost).Msg("admin API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin API stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func boolFlag(name string) bool {
	return pflag.Lookup(name).Value.String() == "true"
}

func stringFlag(name string) string {
	return pflag.Lookup(name).Value.String()
}
