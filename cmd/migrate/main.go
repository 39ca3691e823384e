package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/erp/marketsync/internal/infrastructure/config"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/migration"
	"github.com/erp/marketsync/migrations"
)

var errUsage = errors.New("invalid arguments")

// command is one migrate subcommand. Commands with a nil run only read the
// embedded files and never open the database.
type command struct {
	usage   string
	summary string
	args    int
	run     func(m *migration.Migrator, log *zap.Logger, args []string) error
	offline func(log *zap.Logger) error
}

var commands = map[string]command{
	"up": {
		summary: "Apply all pending migrations",
		run: func(m *migration.Migrator, _ *zap.Logger, _ []string) error {
			return m.Up()
		},
	},
	"down": {
		usage:   "-confirm",
		summary: "Roll back all migrations (drops the sync ledger)",
		run: func(m *migration.Migrator, _ *zap.Logger, args []string) error {
			if !hasFlag(args, "confirm") {
				return fmt.Errorf("%w: 'down' drops every table, pass -confirm", errUsage)
			}
			return m.Down()
		},
	},
	"step": {
		usage:   "<n>",
		summary: "Apply n migrations, negative rolls back",
		args:    1,
		run: func(m *migration.Migrator, _ *zap.Logger, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: step count %q", errUsage, args[0])
			}
			return m.Steps(n)
		},
	},
	"version": {
		summary: "Show the current schema version",
		run: func(m *migration.Migrator, log *zap.Logger, _ []string) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			log.Info("Schema version", zap.Uint("version", version), zap.Bool("dirty", dirty))
			return nil
		},
	},
	"status": {
		summary: "Show applied and pending migrations",
		run: func(m *migration.Migrator, log *zap.Logger, _ []string) error {
			st, err := m.Status()
			if err != nil {
				return err
			}
			log.Info("Schema status",
				zap.Uint("version", st.Version),
				zap.Bool("dirty", st.Dirty),
				zap.Int("applied", len(st.Applied)),
				zap.Int("pending", len(st.Pending)),
			)
			for _, name := range st.Pending {
				fmt.Println("  pending:", name)
			}
			return nil
		},
	},
	"force": {
		usage:   "<version>",
		summary: "Set the version without running migrations",
		args:    1,
		run: func(m *migration.Migrator, log *zap.Logger, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: version %q", errUsage, args[0])
			}
			log.Warn("Forcing schema version, the dirty flag is cleared", zap.Int("version", version))
			return m.Force(version)
		},
	},
	"list": {
		summary: "List the embedded migrations",
		offline: func(log *zap.Logger) error {
			names, err := migration.List(migrations.FS)
			if err != nil {
				return err
			}
			log.Info("Embedded migrations", zap.Int("count", len(names)))
			for _, name := range names {
				fmt.Println("  -", name)
			}
			return nil
		},
	},
}

func main() {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	connectTimeout := flag.Duration("connect-timeout", 10*time.Second, "Database connect timeout")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	name, rest := args[0], args[1:]
	cmd, ok := commands[name]
	if !ok || len(rest) < cmd.args {
		printUsage()
		os.Exit(2)
	}

	log, err := logger.New(&logger.Config{
		Level:      *logLevel,
		Format:     "console",
		Output:     "stdout",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	if err := execute(cmd, rest, *connectTimeout, log); err != nil {
		log.Error("Migration command failed", zap.String("command", name), zap.Error(err))
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func execute(cmd command, args []string, connectTimeout time.Duration, log *zap.Logger) error {
	if cmd.offline != nil {
		return cmd.offline(log)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	m, err := migration.New(db, migrations.FS, log)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	return cmd.run(m, log, args)
}

func hasFlag(args []string, name string) bool {
	for _, arg := range args {
		if arg == "-"+name || arg == "--"+name {
			return true
		}
	}
	return false
}

func printUsage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(os.Stderr, "marketsync database migration tool")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage:\n  migrate [flags] <command> [arguments]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(os.Stderr, "  %-22s %s\n", name+" "+cmd.usage, cmd.summary)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Configuration is read from config.toml and MARKETSYNC_* environment variables.")
}
