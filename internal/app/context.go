package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"riskline/internal/config"
	"riskline/internal/db"
	"riskline/internal/engine"
	"riskline/internal/migrate"
)

// Workspace bundles the open database, the loaded config and the engine for
// one workspace directory.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open loads riskline.yml (defaults when absent), opens and migrates the
// workspace database and makes sure the configured project exists.
func Open(ctx context.Context, dir string, opts ...engine.Option) (*Workspace, error) {
	cfg, err := config.LoadOrDefault(dir)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, dir, cfg, opts...)
}

func OpenWithConfig(ctx context.Context, dir string, cfg *config.Config, opts ...engine.Option) (*Workspace, error) {
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg, opts...)
	if _, err := eng.InitProject(ctx, cfg.Project.ID, cfg.Project.Name); err != nil {
		conn.Close()
		return nil, fmt.Errorf("init project %s: %w", cfg.Project.ID, err)
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// ResolveProject prefers an explicit override, then the configured project.
func (w *Workspace) ResolveProject(override string) string {
	if p := strings.TrimSpace(override); p != "" {
		return p
	}
	return w.Config.Project.ID
}

// NewLogger builds the process logger from the log section of the config.
func NewLogger(out io.Writer, cfg *config.Config) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(out, hopts)
	} else {
		h = slog.NewTextHandler(out, hopts)
	}
	return slog.New(h)
}
