package seen

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/shopkeep/internal/db"
	"github.com/zulandar/shopkeep/internal/models"
	"gorm.io/gorm"
)

// SQLStore claims message ids by inserting into handled_messages; the
// composite primary key makes the insert the arbiter.
type SQLStore struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLStore creates a SQLStore. Rows older than ttl are eligible for Purge.
func NewSQLStore(gdb *gorm.DB, ttl time.Duration) *SQLStore {
	return &SQLStore{db: gdb, ttl: ttl, now: time.Now}
}

// Claim implements Store.
func (s *SQLStore) Claim(ctx context.Context, credentialID, messageID string) (bool, error) {
	row := models.HandledMessage{CredentialID: credentialID, MessageID: messageID, CreatedAt: s.now()}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return true, nil
	}
	if db.IsDuplicateKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("seen: claim %s/%s: %w", credentialID, messageID, err)
}

// Purge deletes claims older than the TTL and returns how many were removed.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.ttl)
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.HandledMessage{})
	if res.Error != nil {
		return 0, fmt.Errorf("seen: purge: %w", res.Error)
	}
	return res.RowsAffected, nil
}
