package entity

import "time"

// Location is a storage slot packages are shelved into. Code is unique within a city.
type Location struct {
	ID        string    `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	City      string    `db:"city" json:"city"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// EntityID returns the row id.
func (l Location) EntityID() string { return l.ID }

// BusinessKey returns the location code.
func (l Location) BusinessKey() string { return l.Code }
