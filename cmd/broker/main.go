package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bgpsight/mrt-broker/internal/app"
	"github.com/bgpsight/mrt-broker/internal/config"
	"github.com/bgpsight/mrt-broker/internal/logger"
)

const usage = `usage: broker <command> [flags]

commands:
  serve    run the update loop and the query API
  update   run one update cycle and exit
  backup   back up the catalog database and exit
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if _, err := logger.Init(cfg.LogLevel); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "serve":
		return runServe(ctx, cfg, args[1:])
	case "update":
		return runUpdate(ctx, cfg, args[1:])
	case "backup":
		return runBackup(ctx, cfg, args[1:])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runServe(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	days := fs.Int("days", 0, "crawl this many days back instead of resuming from the catalog")
	if err := fs.Parse(args); err != nil {
		return err
	}

	broker, err := app.NewBroker(ctx, cfg, *days)
	if err != nil {
		return err
	}
	return broker.Run(ctx)
}

func runUpdate(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	days := fs.Int("days", 0, "crawl this many days back instead of resuming from the catalog")
	if err := fs.Parse(args); err != nil {
		return err
	}

	broker, err := app.NewBroker(ctx, cfg, *days)
	if err != nil {
		return err
	}
	return broker.RunUpdate(ctx)
}

func runBackup(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	to := fs.String("to", "", "backup destination path or s3://bucket/key (defaults to BROKER_BACKUP_TO)")
	force := fs.Bool("force", false, "overwrite an existing local backup file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	broker, err := app.NewBroker(ctx, cfg, 0)
	if err != nil {
		return err
	}
	return broker.RunBackup(ctx, *to, *force)
}
