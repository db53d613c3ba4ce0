package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kimhsiao/pixmirror/internal/db"
	"github.com/kimhsiao/pixmirror/internal/events"
	"github.com/kimhsiao/pixmirror/internal/images"
	"github.com/kimhsiao/pixmirror/internal/logging"
	syncpkg "github.com/kimhsiao/pixmirror/internal/sync"
	"github.com/kimhsiao/pixmirror/internal/sync/remote"
	"github.com/kimhsiao/pixmirror/internal/uuid"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pixmirror",
	Short: "Local-first image library with remote sync",
	Long: `PixMirror manages a local image library backed by SQLite and keeps
it consistent with an authoritative remote store using sequence-based
optimistic concurrency.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default: ~/.pixmirror)")
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

// initConfig loads configuration from file, environment and flags, in
// ascending priority, then initializes logging.
func initConfig() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}
	defaultDataDir := filepath.Join(home, ".pixmirror")

	viper.SetDefault("data_dir", defaultDataDir)
	viper.SetDefault("client_id", "")
	viper.SetDefault("remote.url", "")
	viper.SetDefault("remote.token", "")
	viper.SetDefault("sync.interval", "5m")
	viper.SetDefault("sync.timeout", "30s")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file", "")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(viper.GetString("data_dir"))
		viper.AddConfigPath(defaultDataDir)
	}

	viper.SetEnvPrefix("PIXMIRROR")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	var out io.Writer = os.Stderr
	if logFile := viper.GetString("log.file"); logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	logging.Init(out, logging.ParseLevel(viper.GetString("log.level")))
	return nil
}

// app bundles the wired-up components each command needs.
type app struct {
	db      *db.DB
	store   *db.Store
	bus     *events.Bus
	engine  *syncpkg.Engine
	service *images.Service
}

// newApp opens the local store, runs migrations and wires the sync
// engine against the configured remote.
func newApp() (*app, error) {
	dataDir := viper.GetString("data_dir")

	database, err := db.Open(dataDir)
	if err != nil {
		return nil, err
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		database.Close()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		database.Close()
		return nil, err
	}

	store := db.NewStore(database.DB)

	clientID := viper.GetString("client_id")
	if clientID == "" {
		clientID, err = ensureClientID(dataDir)
		if err != nil {
			database.Close()
			return nil, err
		}
	}

	client := remote.NewClient(viper.GetString("remote.url"),
		remote.WithToken(viper.GetString("remote.token")))

	cfg := syncpkg.DefaultConfig(clientID)
	cfg.FetchTimeout = viper.GetDuration("sync.timeout")

	bus := events.NewBus()
	engine := syncpkg.NewEngine(store, client, bus, cfg)

	return &app{
		db:      database,
		store:   store,
		bus:     bus,
		engine:  engine,
		service: images.NewService(store, engine),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logging.Error("failed to close statement cache", err)
	}
	if err := a.db.Close(); err != nil {
		logging.Error("failed to close database", err)
	}
}

// ensureClientID reads the device identity file, generating it on first
// run. The identity must be stable across restarts so the remote can
// attribute writes.
func ensureClientID(dataDir string) (string, error) {
	idPath := filepath.Join(dataDir, "client_id")

	data, err := os.ReadFile(idPath)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read client identity: %w", err)
	}

	id := uuid.New()
	if err := os.WriteFile(idPath, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to persist client identity: %w", err)
	}
	return id, nil
}
