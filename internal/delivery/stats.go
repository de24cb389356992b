package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/shopkeep/internal/models"
	"gorm.io/gorm"
)

// OwnerStats counts one owner's delivery records in a window.
type OwnerStats struct {
	OwnerUserID string
	Sent        int64
	Failed      int64
}

// Stats groups delivery records created at or after since by owner.
func Stats(ctx context.Context, db *gorm.DB, since time.Time) ([]OwnerStats, error) {
	var rows []struct {
		OwnerUserID string
		Status      string
		N           int64
	}
	err := db.WithContext(ctx).Model(&models.DeliveryRecord{}).
		Select("owner_user_id, status, COUNT(*) AS n").
		Where("created_at >= ?", since).
		Group("owner_user_id, status").
		Order("owner_user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("delivery: stats: %w", err)
	}

	var out []OwnerStats
	for _, r := range rows {
		if len(out) == 0 || out[len(out)-1].OwnerUserID != r.OwnerUserID {
			out = append(out, OwnerStats{OwnerUserID: r.OwnerUserID})
		}
		s := &out[len(out)-1]
		switch r.Status {
		case models.DeliverySent:
			s.Sent += r.N
		case models.DeliveryFailed:
			s.Failed += r.N
		}
	}
	return out, nil
}
