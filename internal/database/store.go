package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/rtsp"
)

// Store records session lifetimes and clock syncs. It satisfies
// rtsp.SessionRecorder.
type Store struct {
	db     *gorm.DB
	logger hclog.Logger
	now    func() time.Time
}

var _ rtsp.SessionRecorder = (*Store)(nil)

func NewStore(db *gorm.DB, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{db: db, logger: logger.Named("store"), now: time.Now}
}

// SessionOpened inserts an open session row
func (s *Store) SessionOpened(info rtsp.SessionInfo) {
	row := &StreamSession{
		ID:         info.ID,
		Path:       info.Path,
		MediaID:    info.MediaID,
		Shared:     info.Shared,
		Transport:  info.Transport,
		Remote:     info.Remote,
		Streams:    info.Streams,
		Status:     SessionStatusOpen,
		StartTime:  info.Created,
		LastActive: info.LastActivity,
	}
	if err := s.db.Create(row).Error; err != nil {
		s.logger.Error("failed to record session", "session", info.ID, "error", err)
	}
}

// SessionClosed finalizes the session row, inserting it when the open was
// never recorded
func (s *Store) SessionClosed(info rtsp.SessionInfo, reason string) {
	end := s.now()
	updates := map[string]interface{}{
		"status":       SessionStatusClosed,
		"close_reason": reason,
		"end_time":     end,
		"last_active":  info.LastActivity,
		"transport":    info.Transport,
		"streams":      info.Streams,
	}
	res := s.db.Model(&StreamSession{}).Where("id = ?", info.ID).Updates(updates)
	if res.Error != nil {
		s.logger.Error("failed to close session", "session", info.ID, "error", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		return
	}
	row := &StreamSession{
		ID:          info.ID,
		Path:        info.Path,
		MediaID:     info.MediaID,
		Shared:      info.Shared,
		Transport:   info.Transport,
		Remote:      info.Remote,
		Streams:     info.Streams,
		Status:      SessionStatusClosed,
		CloseReason: reason,
		StartTime:   info.Created,
		EndTime:     &end,
		LastActive:  info.LastActivity,
	}
	if err := s.db.Create(row).Error; err != nil {
		s.logger.Error("failed to record closed session", "session", info.ID, "error", err)
	}
}

// RecordClockSync stores one synchronization event
func (s *Store) RecordClockSync(clockID, kind, address string, offset, spread time.Duration) error {
	return s.db.Create(&ClockSync{
		ClockID:  clockID,
		Kind:     kind,
		Address:  address,
		OffsetNs: int64(offset),
		SpreadNs: int64(spread),
		SyncedAt: s.now(),
	}).Error
}

// SessionFilter narrows session queries
type SessionFilter struct {
	Path   string
	Status SessionStatus
	Limit  int
}

// Sessions lists recorded sessions, newest first
func (s *Store) Sessions(f SessionFilter) ([]StreamSession, error) {
	q := s.db.Model(&StreamSession{}).Order("start_time DESC")
	if f.Path != "" {
		q = q.Where("path = ?", f.Path)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []StreamSession
	if err := q.Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return rows, nil
}

// Session returns one recorded session
func (s *Store) Session(id string) (*StreamSession, error) {
	var row StreamSession
	err := s.db.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.New(apperrors.KindValidation, "get_session", apperrors.ErrNotFound).
			WithDetail("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &row, nil
}

// ClockSyncs lists the latest synchronization events
func (s *Store) ClockSyncs(limit int) ([]ClockSync, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []ClockSync
	err := s.db.Order("synced_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// MarkInterrupted flags sessions left open by a previous process
func (s *Store) MarkInterrupted() (int64, error) {
	res := s.db.Model(&StreamSession{}).
		Where("status = ?", SessionStatusOpen).
		Updates(map[string]interface{}{"status": SessionStatusInterrupted, "end_time": s.now()})
	return res.RowsAffected, res.Error
}

// Prune deletes finished sessions that ended before cutoff
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res := s.db.Where("status <> ? AND end_time < ?", SessionStatusOpen, cutoff).Delete(&StreamSession{})
	return res.RowsAffected, res.Error
}
