package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/arvoki/camlink/internal/domain"
)

// PairingStore keeps at most one pairing record.
type PairingStore struct {
	db *gorm.DB
}

func NewPairingStore(db *gorm.DB) *PairingStore {
	return &PairingStore{db: db}
}

func (s *PairingStore) Pairing() (domain.Pairing, bool) {
	var rec PairingRecord
	err := s.db.Order("id desc").First(&rec).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Pairing{}, false
		}
		return domain.Pairing{}, false
	}
	return domain.Pairing{
		SessionID:     rec.SessionID,
		LocalDeviceID: domain.DeviceID(rec.LocalDeviceID),
		PeerDeviceID:  domain.DeviceID(rec.PeerDeviceID),
	}, true
}

func (s *PairingStore) SavePairing(p domain.Pairing) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&PairingRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(&PairingRecord{
			SessionID:     p.SessionID,
			LocalDeviceID: string(p.LocalDeviceID),
			PeerDeviceID:  string(p.PeerDeviceID),
			CreatedAt:     time.Now().Unix(),
		}).Error
	})
}

func (s *PairingStore) ClearPairing() error {
	return s.db.Where("1 = 1").Delete(&PairingRecord{}).Error
}
