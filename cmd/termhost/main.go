package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/user/termhost/internal/config"
	"github.com/user/termhost/internal/history"
	"github.com/user/termhost/internal/hub"
	"github.com/user/termhost/internal/lifecycle"
	"github.com/user/termhost/internal/pty"
	"github.com/user/termhost/internal/registry"
	"github.com/user/termhost/internal/server"
)

func main() {
	if err := run(); err != nil {
		slog.Error("termhost failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := history.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open history db: %w", err)
	}
	defer db.Close()
	repo := history.NewSessionRepo(db.SQL())

	reg, err := registry.NewRegistry(cfg.ProfilesDir)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	profile := reg.Get(cfg.Profile)
	if profile == nil {
		return fmt.Errorf("profile %q not found in %s", cfg.Profile, cfg.ProfilesDir)
	}
	spec, err := profile.LaunchSpec()
	if err != nil {
		return err
	}

	session, err := lifecycle.New(lifecycle.Config{
		Spawn: pty.Spawn,
		Path:  spec.Path,
		Args:  spec.Args,
		Dir:   spec.Dir,
		Env:   spec.Env,
		Cols:  spec.Cols,
		Rows:  spec.Rows,
	})
	if err != nil {
		return err
	}
	slog.Info("terminal spawned",
		"shell", spec.DisplayName(), "profile", profile.Name,
		"cols", spec.Cols, "rows", spec.Rows)

	rec := &history.SessionRecord{
		Command:   spec.Path,
		Args:      spec.Args,
		Cwd:       spec.Dir,
		TermLabel: lifecycle.TermLabel(spec.Path),
		Cols:      spec.Cols,
		Rows:      spec.Rows,
	}
	if err := repo.Create(ctx, rec); err != nil {
		slog.Warn("failed to record session start", "error", err)
	}

	h := hub.New(cfg.Token,
		func(data string) {
			if err := session.Input(data); err != nil {
				slog.Warn("input rejected", "error", err)
			}
		},
		func(cols, rows int) {
			if err := session.Resize(cols, rows); err != nil {
				slog.Warn("resize rejected", "error", err)
			}
		})

	session.OnData(h.BroadcastData)
	session.OnTitleChanged(func(title string) {
		h.BroadcastTitle(title)
		if err := repo.RecordTitle(context.Background(), rec.ID, title, time.Now()); err != nil {
			slog.Warn("failed to record title", "error", err)
		}
	})
	session.OnProcessID(func(pid int) {
		h.BroadcastPid(pid)
		if err := repo.RecordPid(context.Background(), rec.ID, pid); err != nil {
			slog.Warn("failed to record pid", "error", err)
		}
	})
	session.OnExit(func(code int) {
		h.BroadcastExit(code)
		if err := repo.RecordExit(context.Background(), rec.ID, code, time.Now()); err != nil {
			slog.Warn("failed to record exit", "error", err)
		}
		slog.Info("terminal exited", "code", code)
		// The daemon hosts exactly one terminal; its exit ends the server.
		stop()
	})

	go h.Run(ctx)

	fmt.Printf("\ntermhost running at ws://127.0.0.1:%d/ws?token=%s\n\n", cfg.Port, cfg.Token)

	srv := server.New(cfg, h)
	serveErr := srv.Start(ctx)

	session.Shutdown()
	session.Wait()
	return serveErr
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
