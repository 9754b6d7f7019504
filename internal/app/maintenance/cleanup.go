// Package maintenance runs the background retention jobs.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/solvohq/authcore/pkg/logger"
)

// Default retention and scheduling applied when the configuration leaves
// them unset.
const (
	DefaultSessionRetentionDays = 30
	DefaultAuditRetentionDays   = 365

	DefaultSessionSchedule = "@hourly"
	DefaultTokenSchedule   = "@daily"
	DefaultAuditSchedule   = "@daily"

	jobTimeout = 5 * time.Minute
)

// SessionCleaner deletes expired session rows past a retention window.
type SessionCleaner interface {
	CleanupExpired(ctx context.Context, olderThanDays int) (int64, error)
}

// TokenCleaner deletes expired password reset tokens.
type TokenCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// AuditCleaner deletes audit rows past a retention window.
type AuditCleaner interface {
	CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithSessionRetention sets how many days expired sessions are kept.
func WithSessionRetention(days int) Option {
	return func(c *Cleaner) {
		if days >= 0 {
			c.sessionRetentionDays = days
		}
	}
}

// WithAuditRetention sets how many days audit rows are kept.
func WithAuditRetention(days int) Option {
	return func(c *Cleaner) {
		if days > 0 {
			c.auditRetentionDays = days
		}
	}
}

// WithSchedules overrides the cron expressions for the three jobs. Empty
// strings keep the defaults.
func WithSchedules(sessions, tokens, audit string) Option {
	return func(c *Cleaner) {
		if sessions != "" {
			c.sessionSchedule = sessions
		}
		if tokens != "" {
			c.tokenSchedule = tokens
		}
		if audit != "" {
			c.auditSchedule = audit
		}
	}
}

// Cleaner schedules the retention jobs: expired sessions hourly, spent reset
// tokens and old audit rows daily.
type Cleaner struct {
	sessions SessionCleaner
	tokens   TokenCleaner
	audit    AuditCleaner

	sessionRetentionDays int
	auditRetentionDays   int

	sessionSchedule string
	tokenSchedule   string
	auditSchedule   string

	cron *cron.Cron
	log  *zap.Logger
}

// NewCleaner wires the retention jobs over the three stores.
func NewCleaner(sessions SessionCleaner, tokens TokenCleaner, audit AuditCleaner, opts ...Option) (*Cleaner, error) {
	if sessions == nil || tokens == nil || audit == nil {
		return nil, errors.New("maintenance: all cleaners are required")
	}

	c := &Cleaner{
		sessions:             sessions,
		tokens:               tokens,
		audit:                audit,
		sessionRetentionDays: DefaultSessionRetentionDays,
		auditRetentionDays:   DefaultAuditRetentionDays,
		sessionSchedule:      DefaultSessionSchedule,
		tokenSchedule:        DefaultTokenSchedule,
		auditSchedule:        DefaultAuditSchedule,
		log:                  logger.WithModule("maintenance"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start registers and launches the cron jobs.
func (c *Cleaner) Start() error {
	runner := cron.New()

	jobs := []struct {
		schedule string
		name     string
		run      func(context.Context) (int64, error)
	}{
		{c.sessionSchedule, "sessions", func(ctx context.Context) (int64, error) {
			return c.sessions.CleanupExpired(ctx, c.sessionRetentionDays)
		}},
		{c.tokenSchedule, "password_reset_tokens", func(ctx context.Context) (int64, error) {
			return c.tokens.CleanupExpired(ctx)
		}},
		{c.auditSchedule, "audit_logs", func(ctx context.Context) (int64, error) {
			return c.audit.CleanupOlderThan(ctx, c.auditRetentionDays)
		}},
	}

	for _, job := range jobs {
		job := job
		if _, err := runner.AddFunc(job.schedule, func() {
			c.runJob(job.name, job.run)
		}); err != nil {
			return err
		}
	}

	runner.Start()
	c.cron = runner
	c.log.Info("retention jobs scheduled",
		zap.String("sessions", c.sessionSchedule),
		zap.String("tokens", c.tokenSchedule),
		zap.String("audit", c.auditSchedule))
	return nil
}

// Stop halts the scheduler and waits for any in-flight job.
func (c *Cleaner) Stop() {
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
}

// RunOnce executes all three jobs immediately, collecting every failure.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	var errs error

	if _, err := c.sessions.CleanupExpired(ctx, c.sessionRetentionDays); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.tokens.CleanupExpired(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.audit.CleanupOlderThan(ctx, c.auditRetentionDays); err != nil {
		errs = multierr.Append(errs, err)
	}

	return errs
}

func (c *Cleaner) runJob(name string, run func(context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	deleted, err := run(ctx)
	if err != nil {
		c.log.Error("retention job failed", zap.String("job", name), zap.Error(err))
		return
	}
	if deleted > 0 {
		c.log.Info("retention job completed",
			zap.String("job", name),
			zap.Int64("deleted", deleted))
	}
}
