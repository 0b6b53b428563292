package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/LingByte/CareCall/pkg/callsession"
	apperr "github.com/LingByte/CareCall/pkg/errors"
	"github.com/LingByte/CareCall/pkg/preflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CallRecord is the stored outcome of one call session
type CallRecord struct {
	ID                uint                                      `gorm:"primaryKey" json:"id"`
	SessionID         string                                    `gorm:"size:128;index" json:"sessionId"`
	Role              string                                    `gorm:"size:16" json:"role"`
	RemoteDisplayName string                                    `gorm:"size:128" json:"remoteDisplayName"`
	EndReason         string                                    `gorm:"size:32;index" json:"endReason"`
	DurationSeconds   int64                                     `json:"durationSeconds"`
	Reconnects        int                                       `json:"reconnects"`
	ErrorCode         string                                    `gorm:"size:64" json:"errorCode,omitempty"`
	ErrorMessage      string                                    `gorm:"size:512" json:"errorMessage,omitempty"`
	Devices           datatypes.JSONType[preflight.DeviceState] `json:"devices"`
	Quality           datatypes.JSON                            `json:"quality,omitempty"`
	StartedAt         *time.Time                                `json:"startedAt,omitempty"`
	ConnectedAt       *time.Time                                `json:"connectedAt,omitempty"`
	EndedAt           *time.Time                                `json:"endedAt,omitempty"`
	CreatedAt         time.Time                                 `json:"createdAt"`
	UpdatedAt         time.Time                                 `json:"updatedAt"`
}

func (CallRecord) TableName() string {
	return "call_records"
}

// NewCallRecord builds a record from an ended session's snapshot and result.
func NewCallRecord(snap callsession.Snapshot, res callsession.Result) (*CallRecord, error) {
	if snap.State != callsession.StateEnded {
		return nil, apperr.NewAppErrorf(apperr.ErrCodeInvalidInput, "session %s has not ended", snap.SessionID)
	}
	rec := &CallRecord{
		SessionID:         snap.SessionID,
		Role:              string(snap.Role),
		RemoteDisplayName: snap.RemoteDisplayName,
		EndReason:         string(res.Reason),
		DurationSeconds:   res.DurationSeconds,
		Reconnects:        snap.TotalReconnects,
		Devices:           datatypes.NewJSONType(snap.Devices),
		StartedAt:         snap.StartedAt,
		ConnectedAt:       snap.ConnectedAt,
		EndedAt:           snap.EndedAt,
	}
	if res.Err != nil {
		rec.ErrorCode = string(apperr.CodeOf(res.Err))
		rec.ErrorMessage = truncate(res.Err.Error(), 512)
	}
	if snap.Quality != nil {
		raw, err := json.Marshal(snap.Quality)
		if err != nil {
			return nil, err
		}
		rec.Quality = datatypes.JSON(raw)
	}
	return rec, nil
}

// SaveCallRecord inserts rec.
func SaveCallRecord(db *gorm.DB, rec *CallRecord) error {
	return db.Create(rec).Error
}

// GetCallRecordsBySession returns every record of an appointment, oldest first.
func GetCallRecordsBySession(db *gorm.DB, sessionID string) ([]CallRecord, error) {
	var records []CallRecord
	err := db.Where("session_id = ?", sessionID).Order("id ASC").Find(&records).Error
	return records, err
}

// GetCallRecord fetches one record by id
func GetCallRecord(db *gorm.DB, id uint) (*CallRecord, error) {
	var rec CallRecord
	if err := db.First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NewAppErrorf(apperr.ErrCodeNotFound, "call record %d not found", id)
		}
		return nil, err
	}
	return &rec, nil
}

// ListRecentCallRecords returns the latest records, newest first.
func ListRecentCallRecords(db *gorm.DB, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []CallRecord
	err := db.Order("id DESC").Limit(limit).Find(&records).Error
	return records, err
}

// CountCallRecordsByReason groups stored calls by end reason.
func CountCallRecordsByReason(db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		EndReason string
		Total     int64
	}
	err := db.Model(&CallRecord{}).Select("end_reason, count(*) as total").Group("end_reason").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.EndReason] = r.Total
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
