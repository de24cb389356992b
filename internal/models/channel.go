package models

import "time"

// Notification channel kinds.
const (
	ChannelWebhook = "webhook"
	ChannelSlack   = "slack"
	ChannelDiscord = "discord"
	ChannelNATS    = "nats"
)

// NotificationChannel is an operator-configured notification sink.
type NotificationChannel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	OwnerUserID string `gorm:"size:64;not null;index"`
	Kind        string `gorm:"size:16;not null"`
	Target      string `gorm:"size:512;not null"`
	Secret      string `gorm:"size:256"`
	Enabled     bool
	CreatedAt   time.Time
}

// HandledMessage records an inbound message id that has been answered.
type HandledMessage struct {
	CredentialID string `gorm:"primaryKey;size:64"`
	MessageID    string `gorm:"primaryKey;size:128"`
	CreatedAt    time.Time `gorm:"index"`
}
