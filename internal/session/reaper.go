package session

import (
	"context"
	"log/slog"
	"time"
)

// StartReaper runs a background goroutine that periodically expires sessions
// idle for longer than ttl.
func StartReaper(ctx context.Context, m *Manager, ttl, interval time.Duration) {
	if ttl <= 0 || interval <= 0 {
		slog.Info("Session reaper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session reaper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				m.ReapIdle(ctx, ttl)
			case <-ctx.Done():
				slog.Info("Session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// ReapIdle expires sessions idle for longer than ttl. A session served by a
// connection has that connection cancelled, which runs the normal teardown;
// an unattached session is destroyed here. It returns the number expired.
func (m *Manager) ReapIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	expired := 0
	for _, s := range m.reg.List() {
		if s.LastActive().After(cutoff) {
			continue
		}
		expired++
		slog.Info("Reaping idle session",
			"session_id", s.ID,
			"user_id", s.UserID,
			"idle", time.Since(s.LastActive()).Round(time.Second))

		if s.cancelConnection() {
			continue
		}
		if err := m.Destroy(ctx, s.ID); err != nil {
			slog.Warn("Reaper failed to destroy session", "session_id", s.ID, "error", err)
		}
	}
	if expired > 0 {
		slog.Info("Session reaper completed", "expired", expired)
	}
	return expired
}
