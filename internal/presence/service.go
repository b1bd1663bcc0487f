package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("presence: database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "presence.service.new"
	opUpsert     = "presence.upsert"
	opTouch      = "presence.touch"
	opDelete     = "presence.delete"
	opListActive = "presence.list_active"
	opSweepStale = "presence.sweep_stale"
)

// ServiceError carries a machine-readable operation.reason code and wraps the
// underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// FeedPublisher receives a change event after every successful row write,
// closing the write -> feed -> reconciler loop.
type FeedPublisher interface {
	Publish(resource ResourceRef, event ChangeEvent)
}

// ServiceConfig describes the dependencies of the storage-backed presence service.
type ServiceConfig struct {
	Database *gorm.DB
	Feed     FeedPublisher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the presence table: upsert/delete keyed by
// (user, resource kind, resource id), staleness-filtered listing, and the
// periodic stale-row sweep. It satisfies the Writer interface used by the
// local activity publisher.
type Service struct {
	db     *gorm.DB
	feed   FeedPublisher
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		feed:   cfg.Feed,
		clock:  clock,
		logger: logger,
	}, nil
}

var recordConflictColumns = []clause.Column{
	{Name: "user_id"},
	{Name: "resource_kind"},
	{Name: "resource_id"},
}

// Upsert writes the full record, stamping last_seen from the service clock,
// and publishes an INSERT or UPDATE event depending on whether the row
// already existed. Only the owning user writes its own row, so last-write-wins
// is contention free.
func (s *Service) Upsert(ctx context.Context, record Record) error {
	if err := record.Validate(); err != nil {
		return newServiceError(opUpsert, "invalid_record", err)
	}
	record.LastSeenSeconds = s.clock().UTC().Unix()

	existed, err := s.rowExists(ctx, record.UserID, record.Resource())
	if err != nil {
		s.logError(opUpsert, "row_lookup_failed", err,
			zap.String("user_id", record.UserID),
			zap.String("resource", record.Resource().String()))
		return newServiceError(opUpsert, "row_lookup_failed", err)
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: recordConflictColumns, UpdateAll: true}).
		Create(&record).Error; err != nil {
		s.logError(opUpsert, "row_write_failed", err,
			zap.String("user_id", record.UserID),
			zap.String("resource", record.Resource().String()))
		return newServiceError(opUpsert, "row_write_failed", err)
	}

	eventType := EventInsert
	if existed {
		eventType = EventUpdate
	}
	s.publish(record.Resource(), ChangeEvent{Type: eventType, Record: record})
	return nil
}

// Touch refreshes only the liveness columns, leaving any stored cursor and
// selection untouched. Used by heartbeat writes arriving over the wire.
func (s *Service) Touch(ctx context.Context, userID string, resource ResourceRef, isActive bool) error {
	if err := validateRecordKey(userID, resource); err != nil {
		return newServiceError(opTouch, "invalid_key", err)
	}
	now := s.clock().UTC().Unix()

	existed, err := s.rowExists(ctx, userID, resource)
	if err != nil {
		s.logError(opTouch, "row_lookup_failed", err, zap.String("user_id", userID))
		return newServiceError(opTouch, "row_lookup_failed", err)
	}

	record := Record{
		UserID:          userID,
		ResourceKind:    resource.Kind,
		ResourceID:      resource.ID,
		IsActive:        isActive,
		LastSeenSeconds: now,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: recordConflictColumns,
			DoUpdates: clause.Assignments(map[string]interface{}{
				"is_active":   isActive,
				"last_seen_s": now,
			}),
		}).
		Create(&record).Error; err != nil {
		s.logError(opTouch, "row_write_failed", err, zap.String("user_id", userID))
		return newServiceError(opTouch, "row_write_failed", err)
	}

	if existed {
		stored, err := s.loadRow(ctx, userID, resource)
		if err == nil {
			record = stored
		}
		s.publish(resource, ChangeEvent{Type: EventUpdate, Record: record})
	} else {
		s.publish(resource, ChangeEvent{Type: EventInsert, Record: record})
	}
	return nil
}

// Delete removes the presence row and publishes a DELETE event when a row was
// actually removed. Deleting an absent row is not an error.
func (s *Service) Delete(ctx context.Context, userID string, resource ResourceRef) error {
	if err := validateRecordKey(userID, resource); err != nil {
		return newServiceError(opDelete, "invalid_key", err)
	}

	result := s.db.WithContext(ctx).
		Where("user_id = ? AND resource_kind = ? AND resource_id = ?",
			userID, string(resource.Kind), resource.ID).
		Delete(&Record{})
	if result.Error != nil {
		s.logError(opDelete, "row_delete_failed", result.Error,
			zap.String("user_id", userID),
			zap.String("resource", resource.String()))
		return newServiceError(opDelete, "row_delete_failed", result.Error)
	}

	if result.RowsAffected > 0 {
		s.publish(resource, ChangeEvent{Type: EventDelete, Record: Record{
			UserID:       userID,
			ResourceKind: resource.Kind,
			ResourceID:   resource.ID,
		}})
	}
	return nil
}

// ListActive returns the presence rows for a resource whose owners count as
// online. Rows past the staleness threshold are excluded even though they may
// still physically exist until the next sweep.
func (s *Service) ListActive(ctx context.Context, resource ResourceRef) ([]Record, error) {
	if !resource.Valid() {
		return nil, newServiceError(opListActive, "invalid_resource", ErrInvalidResourceID)
	}
	cutoff := s.clock().UTC().Add(-OnlineThreshold).Unix()

	var records []Record
	if err := s.db.WithContext(ctx).
		Where("resource_kind = ? AND resource_id = ? AND last_seen_s >= ?",
			string(resource.Kind), resource.ID, cutoff).
		Order("user_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opListActive, "query_failed", err, zap.String("resource", resource.String()))
		return nil, newServiceError(opListActive, "query_failed", err)
	}
	return records, nil
}

// SweepStale deletes rows whose last_seen is past the staleness threshold and
// publishes a DELETE event for each, so connected clients drop the entries.
// Returns the number of rows removed.
func (s *Service) SweepStale(ctx context.Context) (int64, error) {
	cutoff := s.clock().UTC().Add(-OnlineThreshold).Unix()

	var stale []Record
	if err := s.db.WithContext(ctx).
		Where("last_seen_s < ?", cutoff).
		Find(&stale).Error; err != nil {
		s.logError(opSweepStale, "query_failed", err)
		return 0, newServiceError(opSweepStale, "query_failed", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Where("last_seen_s < ?", cutoff).
		Delete(&Record{})
	if result.Error != nil {
		s.logError(opSweepStale, "delete_failed", result.Error)
		return 0, newServiceError(opSweepStale, "delete_failed", result.Error)
	}

	for _, record := range stale {
		s.publish(record.Resource(), ChangeEvent{Type: EventDelete, Record: Record{
			UserID:       record.UserID,
			ResourceKind: record.ResourceKind,
			ResourceID:   record.ResourceID,
		}})
	}

	s.logger.Info("stale presence rows swept", zap.Int64("rows", result.RowsAffected))
	return result.RowsAffected, nil
}

func (s *Service) rowExists(ctx context.Context, userID string, resource ResourceRef) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("user_id = ? AND resource_kind = ? AND resource_id = ?",
			userID, string(resource.Kind), resource.ID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) loadRow(ctx context.Context, userID string, resource ResourceRef) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND resource_kind = ? AND resource_id = ?",
			userID, string(resource.Kind), resource.ID).
		Take(&record).Error
	return record, err
}

func (s *Service) publish(resource ResourceRef, event ChangeEvent) {
	if s.feed == nil {
		return
	}
	s.feed.Publish(resource, event)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("presence service error", attrs...)
}
