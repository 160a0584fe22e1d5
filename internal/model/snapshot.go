package model

import "gorm.io/datatypes"

// Snapshot is one persisted copy of the live decoder state.
// TS is Unix epoch seconds.
type Snapshot struct {
	ID      int64          `gorm:"primaryKey"`
	TS      float64        `gorm:"column:ts;not null;index"`
	Payload datatypes.JSON `gorm:"not null"`
}

// TableName keeps the table name stable across backends.
func (Snapshot) TableName() string {
	return "ingest_snapshots"
}

// DirectionalEntry is one inclination or azimuth survey sample,
// logged once per pump cycle.
type DirectionalEntry struct {
	ID    int64   `gorm:"primaryKey"`
	TS    float64 `gorm:"column:ts;not null;index"`
	Name  string  `gorm:"size:8;not null"`
	Value float64 `gorm:"not null"`
}

func (DirectionalEntry) TableName() string {
	return "incazm_log"
}
