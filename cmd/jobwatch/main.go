// Command jobwatch runs the job incident service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/jobwatch/internal/app"
	"github.com/bissquit/jobwatch/internal/config"
	"github.com/bissquit/jobwatch/internal/pkg/auth"
	"github.com/bissquit/jobwatch/internal/version"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.PathFromEnv(""), "path to YAML config file")
	issueToken := flag.String("issue-token", "", "print a bearer token for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of a token printed by -issue-token")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("jobwatch %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildDate)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if *issueToken != "" {
		token, err := auth.NewValidator(auth.Config{
			Secret: cfg.Auth.JWTSecret,
			Issuer: cfg.Auth.Issuer,
		}).IssueToken(*issueToken, *tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown: %w", err)
	}

	slog.Info("shutdown complete")
	return nil
}
