package status

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/shopkeep/internal/models"
	"gorm.io/gorm"
)

// DeliveryRow is one delivery record as shown by the API. The delivered
// body is never exposed.
type DeliveryRow struct {
	ID           uint      `json:"id"`
	CredentialID string    `json:"credential_id"`
	OrderID      string    `json:"order_id"`
	BuyerUserID  string    `json:"buyer_user_id"`
	ItemID       string    `json:"item_id"`
	RuleID       uint      `json:"rule_id"`
	CardID       uint      `json:"card_id"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecentDeliveries returns the newest delivery records, optionally limited
// to one credential.
func RecentDeliveries(ctx context.Context, db *gorm.DB, credentialID string, limit int) ([]DeliveryRow, error) {
	q := db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if credentialID != "" {
		q = q.Where("credential_id = ?", credentialID)
	}
	var recs []models.DeliveryRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("status: recent deliveries: %w", err)
	}
	rows := make([]DeliveryRow, len(recs))
	for i, r := range recs {
		rows[i] = DeliveryRow{
			ID:           r.ID,
			CredentialID: r.CredentialID,
			OrderID:      r.OrderID,
			BuyerUserID:  r.BuyerUserID,
			ItemID:       r.ItemID,
			RuleID:       r.RuleID,
			CardID:       r.CardID,
			Status:       r.Status,
			Attempts:     r.Attempts,
			Error:        r.Error,
			CreatedAt:    r.CreatedAt,
		}
	}
	return rows, nil
}
