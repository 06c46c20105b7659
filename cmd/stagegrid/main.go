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

	"github.com/joho/godotenv"

	"github.com/vk/stagegrid/internal/app"
	"github.com/vk/stagegrid/internal/cli"
	"github.com/vk/stagegrid/internal/config"
	"github.com/vk/stagegrid/internal/hclconfig"
	"github.com/vk/stagegrid/internal/yamlconfig"
)

var version = "dev"

// main is the entrypoint for the stagegrid application.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env file.", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Args[1:])
	stop()
	if err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loaders maps pipeline file extensions to their formats.
func loaders() config.Formats {
	formats := config.Formats{hclconfig.Extension: hclconfig.NewLoader()}
	yaml := yamlconfig.NewLoader()
	for _, ext := range yamlconfig.Extensions {
		formats[ext] = yaml
	}
	return formats
}

// run encapsulates the main application logic for easier testing and error handling.
func run(ctx context.Context, outW io.Writer, args []string) error {
	inv, shouldExit, err := cli.Parse(args, outW, nil)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}
	inv.Config.Version = version

	a, err := app.New(outW, inv.Config, loaders())
	if err != nil {
		return err
	}

	switch inv.Command {
	case cli.CommandValidate:
		return a.Validate(outW)
	case cli.CommandRun:
		return a.RunOnce(ctx, inv.Run)
	default:
		return a.Serve(ctx)
	}
}
