package models

import "time"

// Card kinds.
const (
	CardKindFixedText = "fixed_text"
	CardKindInventory = "inventory"
	CardKindAPI       = "api"
)

// Card is a deliverable template owned by an admin user.
type Card struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	OwnerUserID string `gorm:"size:64;not null;index"`
	Name        string `gorm:"size:128"`
	Kind        string `gorm:"size:16;not null"`
	Body        string `gorm:"type:text"`
	APIURL      string `gorm:"size:512"`
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CardInventory is one one-off code of an inventory card. The head of the
// list is the row with the smallest position.
type CardInventory struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	CardID   uint   `gorm:"not null;index:idx_card_position,priority:1"`
	Position int64  `gorm:"not null;index:idx_card_position,priority:2"`
	Code     string `gorm:"type:text;not null"`
}

// TableName keeps the singular table name used by the admin side.
func (CardInventory) TableName() string { return "card_inventory" }
