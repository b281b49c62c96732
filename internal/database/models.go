package database

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle of a recorded streaming session
type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "open"
	SessionStatusClosed SessionStatus = "closed"
	// SessionStatusInterrupted marks sessions still open when the
	// process last stopped
	SessionStatusInterrupted SessionStatus = "interrupted"
)

func (s SessionStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *SessionStatus) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case string:
		*s = SessionStatus(v)
	case []byte:
		*s = SessionStatus(v)
	default:
		return fmt.Errorf("cannot scan %T into SessionStatus", value)
	}
	return nil
}

// StreamSession is one RTSP client session
type StreamSession struct {
	ID          string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	Path        string        `gorm:"type:varchar(255);not null;index" json:"path"`
	MediaID     string        `gorm:"type:varchar(36);index" json:"media_id"`
	Shared      bool          `json:"shared"`
	Transport   string        `gorm:"type:varchar(8)" json:"transport"`
	Remote      string        `gorm:"type:varchar(64)" json:"remote"`
	Streams     int           `json:"streams"`
	Status      SessionStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	CloseReason string        `gorm:"type:varchar(32)" json:"close_reason,omitempty"`
	StartTime   time.Time     `gorm:"not null;index" json:"start_time"`
	EndTime     *time.Time    `gorm:"index" json:"end_time,omitempty"`
	LastActive  time.Time     `gorm:"not null" json:"last_active"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// TableName returns the table name for GORM
func (StreamSession) TableName() string {
	return "stream_sessions"
}

// Duration is how long the session lasted, or has lasted so far
func (s *StreamSession) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// ClockSync records a clock reaching synchronization
type ClockSync struct {
	ID        uint32    `gorm:"primaryKey" json:"id"`
	ClockID   string    `gorm:"type:varchar(36);not null;index" json:"clock_id"`
	Kind      string    `gorm:"type:varchar(16);not null" json:"kind"`
	Address   string    `gorm:"type:varchar(255)" json:"address"`
	OffsetNs  int64     `json:"offset_ns"`
	SpreadNs  int64     `json:"spread_ns"`
	SyncedAt  time.Time `gorm:"not null;index" json:"synced_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for GORM
func (ClockSync) TableName() string {
	return "clock_syncs"
}

// Models lists everything AutoMigrate manages
func Models() []interface{} {
	return []interface{}{&StreamSession{}, &ClockSync{}}
}
