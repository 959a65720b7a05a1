// Command migrate applies or rolls back the PostgreSQL ledger schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/coachpo/tandem/internal/infra/persistence/migrations"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "TANDEM_STORAGE_DSN"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("tandem-migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", "", "PostgreSQL DSN (defaults to $"+dsnEnv+")")
		dir     = fs.String("path", migrations.Embedded, "Directory containing SQL migrations, or \"embedded\"")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}

	_ = godotenv.Load()
	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv(dsnEnv))
	}
	if target == "" {
		return errors.New("-database flag or " + dsnEnv + " is required")
	}
	if strings.TrimSpace(*dir) == "" {
		return errors.New("-path flag is required")
	}

	args := fs.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "tandem-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, target, *dir, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, target, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
