package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/arvoki/camlink/internal/domain"
)

// CommandStore persists received command envelopes for later review.
type CommandStore struct {
	db *gorm.DB
}

func NewCommandStore(db *gorm.DB) *CommandStore {
	return &CommandStore{db: db}
}

func (s *CommandStore) AppendCommand(ctx context.Context, rec domain.CommandRecord) error {
	return s.db.WithContext(ctx).Create(&CommandEntry{
		SessionID:  rec.SessionID,
		FromDevice: string(rec.From),
		Command:    rec.Command,
		Payload:    rec.Payload,
		ReceivedAt: rec.ReceivedAt,
	}).Error
}

// History returns the commands recorded for a session, oldest first.
func (s *CommandStore) History(ctx context.Context, sessionID string, limit int) ([]domain.CommandRecord, error) {
	var entries []CommandEntry
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	out := make([]domain.CommandRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.CommandRecord{
			SessionID:  e.SessionID,
			From:       domain.DeviceID(e.FromDevice),
			Command:    e.Command,
			Payload:    e.Payload,
			ReceivedAt: e.ReceivedAt,
		})
	}
	return out, nil
}
