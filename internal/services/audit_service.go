package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/solvohq/authcore/internal/models"
	"github.com/solvohq/authcore/pkg/logger"
	"github.com/solvohq/authcore/pkg/metrics"
)

// AuditService writes the append-only security event trail. Every entry
// carries its request id explicitly; nothing is pulled from ambient state.
type AuditService struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// NewAuditService constructs an audit sink over the given database handle.
func NewAuditService(db *gorm.DB) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}
	return &AuditService{
		db:  db,
		log: logger.WithModule("audit"),
		now: time.Now,
	}, nil
}

// WithClock overrides the time source. Intended for tests.
func (s *AuditService) WithClock(clock func() time.Time) *AuditService {
	s.now = clock
	return s
}

// AuditEntry is one security event to record.
type AuditEntry struct {
	UserID      *uint
	Schema      string
	Action      string
	EntityType  string
	EntityID    string
	Changes     map[string]any
	Description string
	IPAddress   string
	UserAgent   string
	RequestID   string
}

// Log persists an audit entry. A missing request id is replaced with a fresh
// UUID so every row stays correlatable.
func (s *AuditService) Log(ctx context.Context, entry AuditEntry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit service: action is required")
	}

	requestID := strings.TrimSpace(entry.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	record := &models.AuditLog{
		UserID:      entry.UserID,
		Schema:      entry.Schema,
		Action:      entry.Action,
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		Description: entry.Description,
		IPAddress:   entry.IPAddress,
		UserAgent:   entry.UserAgent,
		RequestID:   requestID,
		CreatedAt:   s.now(),
	}

	if len(entry.Changes) > 0 {
		payload, err := json.Marshal(entry.Changes)
		if err != nil {
			return fmt.Errorf("audit service: encode changes: %w", err)
		}
		record.Changes = payload
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("audit service: write entry: %w", err)
	}
	return nil
}

// Record logs an entry and downgrades persistence failures to a log line.
// Auth flows call this so a broken audit store cannot block sign-in.
func (s *AuditService) Record(ctx context.Context, entry AuditEntry) {
	if err := s.Log(ctx, entry); err != nil {
		s.log.Error("audit write failed",
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}

// RecordUserAction is shorthand for the common user-scoped event shape.
func (s *AuditService) RecordUserAction(ctx context.Context, userID uint, action, description string, meta ClientMeta) {
	id := userID
	s.Record(ctx, AuditEntry{
		UserID:      &id,
		Action:      action,
		EntityType:  models.AuditEntityUser,
		EntityID:    strconv.FormatUint(uint64(userID), 10),
		Description: description,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		RequestID:   meta.RequestID,
	})
}

// ClientMeta mirrors the request context threaded through auth operations.
type ClientMeta struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// AuditFilter narrows List and Count queries. Zero values match everything.
type AuditFilter struct {
	UserID     *uint
	Action     string
	EntityType string
	RequestID  string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

const defaultAuditPageSize = 50

// List returns matching audit rows newest first, plus the unpaged total.
func (s *AuditService) List(ctx context.Context, filter AuditFilter) ([]models.AuditLog, int64, error) {
	query := s.filtered(ctx, filter)

	var total int64
	if err := query.Model(&models.AuditLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit service: count entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditPageSize
	}

	var entries []models.AuditLog
	err := query.
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("audit service: list entries: %w", err)
	}

	return entries, total, nil
}

// Export streams every matching row to the callback in insertion order.
func (s *AuditService) Export(ctx context.Context, filter AuditFilter, fn func(models.AuditLog) error) error {
	rows, err := s.filtered(ctx, filter).
		Model(&models.AuditLog{}).
		Order("created_at ASC, id ASC").
		Rows()
	if err != nil {
		return fmt.Errorf("audit service: export entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry models.AuditLog
		if err := s.db.ScanRows(rows, &entry); err != nil {
			return fmt.Errorf("audit service: scan entry: %w", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CleanupOlderThan deletes audit rows past the retention window.
func (s *AuditService) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, errors.New("audit service: retentionDays must be positive")
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)

	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.AuditLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit service: cleanup entries: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.MaintenanceDeletions.WithLabelValues("audit_logs").Add(float64(result.RowsAffected))
	}

	return result.RowsAffected, nil
}

func (s *AuditService) filtered(ctx context.Context, filter AuditFilter) *gorm.DB {
	query := s.db.WithContext(ctx)
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.RequestID != "" {
		query = query.Where("request_id = ?", filter.RequestID)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		query = query.Where("created_at < ?", filter.Until)
	}
	return query
}
