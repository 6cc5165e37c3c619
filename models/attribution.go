package models

import (
	"time"
)

// AttributionStatus represents the current status of a booking attribution
type AttributionStatus string

const (
	AttributionStatusBroadcasting   AttributionStatus = "BROADCASTING"
	AttributionStatusAccepted       AttributionStatus = "ACCEPTED"
	AttributionStatusReBroadcasting AttributionStatus = "RE_BROADCASTING"
	AttributionStatusExpired        AttributionStatus = "EXPIRED"
	AttributionStatusCancelled      AttributionStatus = "CANCELLED"
	AttributionStatusCompleted      AttributionStatus = "COMPLETED"
)

// IsTerminal reports whether no further automatic transition is allowed.
// ACCEPTED is not terminal: it still moves to COMPLETED when the service is delivered.
func (s AttributionStatus) IsTerminal() bool {
	switch s {
	case AttributionStatusExpired, AttributionStatusCancelled, AttributionStatusCompleted:
		return true
	}
	return false
}

// IsOpen reports whether the attribution can still receive professional acceptances.
func (s AttributionStatus) IsOpen() bool {
	return s == AttributionStatusBroadcasting || s == AttributionStatusReBroadcasting
}

// Attribution tracks the assignment of a confirmed booking to one professional.
// It is created once at booking confirmation and mutated only through conditional
// writes by professional responses and the timeout poller.
type Attribution struct {
	ID                     uint              `json:"id" gorm:"primaryKey"`
	BookingID              uint              `json:"booking_id" gorm:"not null;index"`
	ServiceType            string            `json:"service_type" gorm:"type:varchar(100);not null"`
	Status                 AttributionStatus `json:"status" gorm:"type:varchar(20);not null;default:'BROADCASTING';index"`
	LocationLat            float64           `json:"location_lat" gorm:"type:decimal(10,8);not null"`
	LocationLng            float64           `json:"location_lng" gorm:"type:decimal(11,8);not null"`
	MaxDistanceKm          float64           `json:"max_distance_km" gorm:"type:decimal(6,2);not null"`
	BroadcastCount         int               `json:"broadcast_count" gorm:"not null;default:1"`
	MaxBroadcasts          int               `json:"max_broadcasts" gorm:"not null;default:3"`
	AcceptedProfessionalID *uint             `json:"accepted_professional_id"`
	AcceptedProfessional   *Professional     `json:"accepted_professional,omitempty" gorm:"foreignKey:AcceptedProfessionalID"`
	LastBroadcastAt        *time.Time        `json:"last_broadcast_at"`
	AcceptedAt             *time.Time        `json:"accepted_at"`
	CompletedAt            *time.Time        `json:"completed_at"`
	CancelledAt            *time.Time        `json:"cancelled_at"`
	ExpiredAt              *time.Time        `json:"expired_at"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// AttributionResponse records a single professional decision on an attribution.
// The unique index makes a second decision by the same professional a conflict
// at the persistence boundary instead of a silent overwrite.
type AttributionResponse struct {
	ID             uint        `json:"id" gorm:"primaryKey"`
	AttributionID  uint        `json:"attribution_id" gorm:"not null;uniqueIndex:idx_attribution_professional"`
	ProfessionalID uint        `json:"professional_id" gorm:"not null;uniqueIndex:idx_attribution_professional"`
	Decision       string      `json:"decision" gorm:"type:varchar(20);not null"` // "accept", "decline"
	DistanceKm     float64     `json:"distance_km" gorm:"type:decimal(6,2)"`
	Accepted       bool        `json:"accepted" gorm:"not null;default:false"`
	RespondedAt    time.Time   `json:"responded_at"`
	Attribution    Attribution `json:"attribution,omitempty" gorm:"foreignKey:AttributionID"`
}

// AttributionCreate is the request body for starting an attribution.
// Either coordinates or an address must be provided; addresses are geocoded.
type AttributionCreate struct {
	BookingID     uint     `json:"booking_id" binding:"required"`
	ServiceType   string   `json:"service_type" binding:"required"`
	LocationLat   *float64 `json:"location_lat"`
	LocationLng   *float64 `json:"location_lng"`
	Address       string   `json:"address"`
	MaxDistanceKm float64  `json:"max_distance_km"`
}

// AttributionDecision is the request body for a professional response.
type AttributionDecision struct {
	ProfessionalID uint   `json:"professional_id" binding:"required"`
	Decision       string `json:"decision" binding:"required,oneof=accept decline"`
}
