package model

import "time"

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	StatusActive  ReservationStatus = "active"
	StatusExpired ReservationStatus = "expired"
	StatusRevoked ReservationStatus = "revoked"
	StatusFailed  ReservationStatus = "failed"
)

// SourceManual marks reservations entered by an operator rather than a calendar feed.
const SourceManual = "manual"

// Reservation is one guest stay with its door code.
type Reservation struct {
	ID          int64             `gorm:"primaryKey" json:"id"`
	CalendarUID *string           `gorm:"uniqueIndex;size:512" json:"calendarUid,omitempty"`
	Source      string            `gorm:"size:64;not null;index" json:"source"`
	GuestLabel  string            `gorm:"size:128;not null" json:"guestLabel"`
	CheckIn     time.Time         `gorm:"not null;index" json:"checkIn"`
	CheckOut    time.Time         `gorm:"not null;index" json:"checkOut"`
	AccessCode  string            `gorm:"size:6;not null;index" json:"accessCode"`
	LockUserRef *string           `gorm:"size:128" json:"lockUserRef,omitempty"`
	BookingRef  *string           `gorm:"size:128" json:"bookingRef,omitempty"`
	PhoneLast4  string            `gorm:"size:4" json:"phoneLast4,omitempty"`
	Status      ReservationStatus `gorm:"size:16;not null;index" json:"status"`
	CreatedAt   time.Time         `gorm:"not null" json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// IsActive reports whether the reservation still holds a live code.
func (r *Reservation) IsActive() bool {
	return r.Status == StatusActive
}

// UID returns the calendar UID or an empty string for manual reservations.
func (r *Reservation) UID() string {
	if r.CalendarUID == nil {
		return ""
	}
	return *r.CalendarUID
}
