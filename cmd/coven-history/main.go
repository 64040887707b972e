// ABOUTME: Operator CLI for the coven conversation history store
// ABOUTME: Every command acts as an explicit owner and goes through the access policy

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-history/internal/config"
	"github.com/2389/coven-history/internal/conversation"
	"github.com/2389/coven-history/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                      _     _     _
  ___ _____   _____ _ __         | |__ (_)___| |_ ___  _ __ _   _
 / __/ _ \ \ / / _ \ '_ \ _____  | '_ \| / __| __/ _ \| '__| | | |
| (_| (_) \ V /  __/ | | |_____| | | | | \__ \ || (_) | |  | |_| |
 \___\___/ \_/ \___|_| |_|       |_| |_|_|___/\__\___/|_|   \__, |
                                                            |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}
	if cmd == "version" {
		fmt.Println(version)
		return
	}

	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err := run(ctx, handler, args); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, handler commandFunc, args []string) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	return handler(ctx, a, args)
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: coven-history <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  migrate                                   Create or upgrade the database schema")
	fmt.Println("  new <owner> [title]                       Create a conversation")
	fmt.Println("  rename <owner> <id> <title>               Change a conversation's title")
	fmt.Println("  touch <owner> <id>                        Mark a conversation as recently active")
	fmt.Println("  delete <owner> <id>                       Delete a conversation and its messages")
	fmt.Println("  append <owner> <id> <role> <content>      Append a message")
	fmt.Println("         [--model M] [--in N] [--out N] [--touch]  (words after -- are content)")
	fmt.Println("  conversations <owner>                     List conversations, most recent first")
	fmt.Println("  messages <owner> <id>                     List messages, oldest first")
	fmt.Println("  usage <owner> [--conversation ID] [--since T] [--until T]")
	fmt.Println("                                            Token usage (T: RFC3339 or a duration like 24h)")
	fmt.Println("  export <owner> <id> [--format md|html] [--output FILE]")
	fmt.Println("                                            Export a transcript")
	fmt.Println("  purge <owner> --yes                       Delete all data of an owner")
	fmt.Println("  version                                   Print the version")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  COVEN_HISTORY_CONFIG     Config file (default: $XDG_CONFIG_HOME/coven/history.yaml)")
	fmt.Println("  .env                     Loaded from the working directory if present")
	fmt.Println()
}

// app holds what every command needs.
type app struct {
	cfg     *config.Config
	store   store.Store
	svc     *conversation.Service
	logger  *slog.Logger
	out     io.Writer
	timeout time.Duration
}

func openApp(ctx context.Context) (*app, error) {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := setupLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	logger.Debug("configuration loaded", "config", configPath, "driver", cfg.Database.Driver)

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return &app{
		cfg:     cfg,
		store:   st,
		svc:     conversation.New(st, logger, conversation.WithPageSize(cfg.Store.PageSize)),
		logger:  logger,
		out:     os.Stdout,
		timeout: cfg.Store.OperationTimeout,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

// opContext bounds one command by the configured operation timeout.
func (a *app) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

// loadConfig loads .env, then the config file. A missing file at the
// default location falls back to config.Default().
func loadConfig() (*config.Config, string, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("loading .env: %w", err)
	}

	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, configPath, nil
	}

	explicit := os.Getenv("COVEN_HISTORY_CONFIG") != ""
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "(defaults)", nil
	}
	return nil, "", fmt.Errorf("loading config: %w", err)
}

// openStore opens the backend named by cfg.Driver.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return store.OpenSQLite(store.DriverModernc, cfg.Path)
	case config.DriverSQLite3:
		return store.OpenSQLite(store.DriverMattn, cfg.Path)
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, cfg.DSN)
	case config.DriverMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
