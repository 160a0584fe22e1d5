package model

import "time"

// PushSubscription holds a browser push endpoint that wants pump edge alerts.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	PumpOn    bool      `gorm:"not null"`
	PumpOff   bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}
