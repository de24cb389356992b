package models

import "time"

// Delivery record statuses.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// DeliveryRecord is the append-only at-most-once log of post-payment deliveries.
type DeliveryRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	CredentialID string `gorm:"size:64;not null;index"`
	OwnerUserID  string `gorm:"size:64;not null;index"`
	OrderID      string `gorm:"size:64;not null;index"`
	BuyerUserID  string `gorm:"size:64;index"`
	ItemID       string `gorm:"size:64"`
	RuleID       uint   `gorm:"index"`
	CardID       uint
	Body         string `gorm:"type:text"`
	Status       string `gorm:"size:8;not null;index"`
	Attempts     int
	Error        string `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
}
