package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hpungsan/fieldbook/internal/config"
	"github.com/hpungsan/fieldbook/internal/db"
	"github.com/hpungsan/fieldbook/internal/logging"
	"github.com/hpungsan/fieldbook/internal/mcp"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"draft": true, "capture": true, "submit": true, "new": true,
	"update": true, "delete": true,
	"sync": true, "pending": true, "queue": true, "retry": true, "status": true,
	"export": true, "import": true, "purge": true,
	"serve": true, "watch": true, "mock-backend": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	// Known subcommand → CLI
	if cliCommands[arg] {
		return true
	}
	// Global flags and --help or --version → CLI
	if len(arg) > 1 && arg[0] == '-' {
		return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || isGlobalFlag(arg)
	}
	return false // Default → MCP server
}

// isGlobalFlag reports whether arg sets an app-level flag.
func isGlobalFlag(arg string) bool {
	for _, name := range []string{"--home", "--log-level"} {
		if arg == name || strings.HasPrefix(arg, name+"=") {
			return true
		}
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   ___ _     _    _ _               _
  | __(_)___| |__| | |__  ___  ___ | |__
  | _|| / -_) / _  | '_ \/ _ \/ _ \| / /
  |_| |_\___|_\__,_|_.__/\___/\___/|_\_\

  Offline-first field survey store

  Usage: fieldbook <command> [options]
         fieldbook --help

  MCP server mode requires piped input.`)
}

// defaultBaseDir returns $FIELDBOOK_HOME or ~/.fieldbook.
func defaultBaseDir() (string, error) {
	if dir := os.Getenv("FIELDBOOK_HOME"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".fieldbook"), nil
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// CLI mode: known subcommand. The app opens the store itself so --home applies.
	if isCLIMode() {
		e := &env{}
		app := newCLIApp(e)
		err := app.Run(os.Args)
		e.close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'fieldbook --help' for usage.\n")
		os.Exit(1)
	}

	// MCP server mode (default)
	if err := runMCP(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMCP serves the MCP tools over stdio. stdout carries the protocol, so logs
// go to the configured log file or stderr.
func runMCP() error {
	baseDir, err := defaultBaseDir()
	if err != nil {
		return err
	}
	e := &env{}
	if err := e.open(baseDir); err != nil {
		return err
	}
	defer e.close()

	logger, closer := logging.New(logging.Options{
		Level:   e.cfg.LogLevel,
		File:    e.cfg.LogFile,
		BaseDir: baseDir,
	})
	defer closer.Close()

	for _, name := range mcp.ValidateDisabledTools(e.cfg.DisabledTools) {
		logger.WithField("tool", name).Warn("unknown tool in disabled_tools")
	}
	for _, name := range mcp.ValidateDisabledTypes(e.cfg.DisabledTypes) {
		logger.WithField("type", name).Warn("unknown type in disabled_types")
	}

	rt, err := e.startRuntime(logger)
	if err != nil {
		return err
	}
	defer rt.stop()

	return mcp.Run(rt.svc, e.cfg, Version)
}

// openConfig loads ~/.fieldbook/config.json merged with the nearest repo config.
func openConfig(baseDir string) (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openDB initializes the store under baseDir with the configured pool limits.
func openDB(baseDir string, cfg *config.Config) (*sql.DB, error) {
	database, err := db.Init(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	db.ConfigurePool(database, cfg)
	return database, nil
}
