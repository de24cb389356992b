package models

import "time"

// Credential is one marketplace account: the browser cookie bag plus the
// short-lived access token derived from it.
type Credential struct {
	ID                   string     `gorm:"primaryKey;size:64"`
	OwnerUserID          string     `gorm:"size:64;not null;index"`
	Cookies              string     `gorm:"type:text"`
	Enabled              bool       `gorm:"index"`
	Invalid              bool
	Revision             int64      `gorm:"not null"`
	MarketplaceUserID    string     `gorm:"size:64"`
	DeviceID             string     `gorm:"size:64"`
	AccessToken          string     `gorm:"type:text"`
	AccessTokenExpiresAt *time.Time
	LastRefreshAt        *time.Time

	AutoReply       bool
	AutoDelivery    bool
	AIReply         bool
	HeartbeatNotify bool
	DefaultReply    string `gorm:"type:text"`
	AIPrompt        string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
