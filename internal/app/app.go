package app

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"shiftline/internal/config"
	"shiftline/internal/db"
	"shiftline/internal/engine"
	"shiftline/internal/logging"
	"shiftline/internal/migrate"
	"shiftline/internal/notify"
)

type Options struct {
	Workspace string
	Driver    string
	DSN       string
	Logger    *slog.Logger
}

// App bundles everything a command or server needs for one workspace.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Dispatcher *notify.Dispatcher
	Logger     *slog.Logger
}

// Open connects to the workspace database, applies migrations, loads shiftline.yml (or
// the defaults) and wires the engine to the notification dispatcher.
func Open(opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	dbCfg := db.Config{Workspace: opts.Workspace, Driver: opts.Driver, DSN: opts.DSN}.Normalize()
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateDriver(conn, dbCfg.Driver); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, dbCfg.Driver, cfg)
	eng.Logger = logger
	dispatcher := notify.NewDispatcher(eng.Repo, BuildNotifier(cfg, logger), cfg.Notifications, logger)
	eng.Dispatch = dispatcher
	return &App{
		DB:         conn,
		Config:     cfg,
		Engine:     eng,
		Dispatcher: dispatcher,
		Logger:     logger,
	}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// BuildNotifier logs every notification and posts it to the configured webhooks.
func BuildNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	out := notify.Fanout{notify.LogNotifier{Logger: logger}}
	if cfg != nil && len(cfg.Notifications.Webhooks) > 0 {
		out = append(out, notify.WebhookNotifier{Hooks: cfg.Notifications.Webhooks, Client: &http.Client{}})
	}
	return out
}
