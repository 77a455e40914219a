package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// JobsChannel is the Postgres NOTIFY channel raised on enqueue.
const JobsChannel = "taskpilot_jobs"

// Notifier returns a hook that raises NOTIFY on channel.
func Notifier(gdb *gorm.DB, channel string, log *slog.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := gdb.WithContext(ctx).Exec("select pg_notify(?, '')", channel).Error; err != nil {
			log.Warn("notify failed", "channel", channel, "error", err)
		}
	}
}

// Listen calls fn for every notification on channel until ctx ends. It also
// calls fn after a reconnect, since notifications sent while disconnected
// are lost.
func Listen(ctx context.Context, dsn, channel string, log *slog.Logger, fn func()) error {
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			log.Warn("listener connection problem", "channel", channel, "error", err)
		case pq.ListenerEventReconnected:
			log.Info("listener reconnected", "channel", channel)
			fn()
		}
	})
	defer listener.Close()

	if err := listener.Listen(channel); err != nil {
		return err
	}

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-listener.Notify:
			// A nil notification follows a reconnect.
			fn()
		case <-ping.C:
			go func() { _ = listener.Ping() }()
		}
	}
}
