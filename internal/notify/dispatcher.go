package notify

import (
	"context"
	"log/slog"
	"time"

	"shiftline/internal/config"
	"shiftline/internal/domain"
	"shiftline/internal/repo"
)

// Store is the outbox the dispatcher drains.
type Store interface {
	ListNotifications(ctx context.Context, f repo.NotificationFilters) ([]domain.Notification, error)
	MarkNotificationDelivered(ctx context.Context, id int64, at string) error
	MarkNotificationFailed(ctx context.Context, id int64, msg string) error
}

// Dispatcher drains undelivered notifications on an interval and whenever it is kicked.
// It runs outside every state transaction; a failing notifier only delays its own rows.
type Dispatcher struct {
	Store       Store
	Notifier    Notifier
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Logger      *slog.Logger
	Now         func() time.Time

	kick chan struct{}
}

type DrainStats struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func NewDispatcher(store Store, n Notifier, cfg config.Notifications, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Store:       store,
		Notifier:    n,
		Interval:    time.Duration(cfg.IntervalSeconds) * time.Second,
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
		Now:         time.Now,
		kick:        make(chan struct{}, 1),
	}
}

// Kick asks the running loop for an early drain. It never blocks.
func (d *Dispatcher) Kick() {
	if d == nil || d.kick == nil {
		return
	}
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drains until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.Logger.Warn("notification drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// DrainOnce makes one delivery attempt for every queued notification that has attempts
// left.
func (d *Dispatcher) DrainOnce(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	batch := d.BatchSize
	if batch <= 0 {
		batch = 50
	}
	var after int64
	for {
		pending, err := d.Store.ListNotifications(ctx, repo.NotificationFilters{
			PendingOnly: true,
			MaxAttempts: d.MaxAttempts,
			AfterID:     after,
			Limit:       batch,
		})
		if err != nil {
			return stats, err
		}
		for _, n := range pending {
			after = n.ID
			if err := d.Notifier.Notify(ctx, n); err != nil {
				stats.Failed++
				d.Logger.Warn("notification delivery failed", "id", n.ID, "kind", n.Kind, "user_id", n.UserID, "attempt", n.Attempts+1, "error", err)
				if err := d.Store.MarkNotificationFailed(ctx, n.ID, err.Error()); err != nil {
					return stats, err
				}
				continue
			}
			stats.Delivered++
			if err := d.Store.MarkNotificationDelivered(ctx, n.ID, d.now().UTC().Format(time.RFC3339)); err != nil {
				return stats, err
			}
		}
		if len(pending) < batch {
			return stats, nil
		}
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
