package models

import "time"

// Reply rule match types.
const (
	MatchExact       = "exact"
	MatchContains    = "contains"
	MatchRegex       = "regex"
	MatchItemKeyword = "item_keyword"
)

// ReplyRule maps an inbound chat text to a canned reply.
type ReplyRule struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	CredentialID string `gorm:"size:64;not null;index"`
	OwnerUserID  string `gorm:"size:64;not null"`
	Priority     int    `gorm:"default:0"`
	MatchType    string `gorm:"size:16;not null"`
	MatchExpr    string `gorm:"type:text"`
	ReplyText    string `gorm:"type:text"`
	CardID       *uint
	ItemID       string `gorm:"size:64"`
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Delivery rule match types.
const (
	MatchItemIDExact       = "item_id_exact"
	MatchItemTitleContains = "item_title_contains"
	MatchSpecKeyword       = "spec_keyword"
)

// DeliveryRule maps a paid order to a card. Caps of 0 are unlimited.
type DeliveryRule struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	CredentialID string `gorm:"size:64;not null;index"`
	OwnerUserID  string `gorm:"size:64;not null"`
	Priority     int    `gorm:"default:0"`
	MatchType    string `gorm:"size:24;not null"`
	MatchExpr    string `gorm:"type:text"`
	CardID       uint   `gorm:"not null"`
	DailyCap     int
	TotalCap     int
	PerBuyerCap  int
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
