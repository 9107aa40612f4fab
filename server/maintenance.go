package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupSchedule runs session cleanup once an hour.
const DefaultCleanupSchedule = "@hourly"

// Maintenance runs periodic background jobs against the stores. Currently it
// only prunes expired auth sessions.
type Maintenance struct {
	store    AuthStore
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

// MaintenanceConfig configures background maintenance.
type MaintenanceConfig struct {
	Store AuthStore

	// Schedule is a cron expression. Defaults to DefaultCleanupSchedule.
	Schedule string

	Logger *slog.Logger
}

// NewMaintenance creates a maintenance runner. It does not start any jobs.
func NewMaintenance(cfg MaintenanceConfig) *Maintenance {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		store:    cfg.Store,
		schedule: schedule,
		logger:   logger,
	}
}

// Start schedules the cleanup job and begins running it.
func (m *Maintenance) Start() error {
	c := cron.New()
	_, err := c.AddFunc(m.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.CleanSessions(ctx); err != nil {
			m.logger.Error("session cleanup failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	m.cron = c
	c.Start()
	return nil
}

// Stop halts scheduled jobs and waits for a running job to finish.
func (m *Maintenance) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}

// CleanSessions removes expired auth sessions. Exposed so tests and Start's
// scheduled job share one code path.
func (m *Maintenance) CleanSessions(ctx context.Context) error {
	if err := m.store.CleanExpiredSessions(ctx); err != nil {
		return err
	}
	m.logger.Debug("expired sessions cleaned")
	return nil
}
