package models

import (
	"strings"
	"time"
)

// Professional represents an external service professional in the directory.
// The directory is read-mostly from this subsystem's perspective: the matcher
// reads it concurrently, and only the location/availability routes mutate it.
type Professional struct {
	ID                 uint       `json:"id" gorm:"primaryKey"`
	FullName           string     `json:"full_name" gorm:"type:varchar(200);not null"`
	Email              string     `json:"email" gorm:"type:varchar(255);not null"`
	PhoneNumber        string     `json:"phone_number" gorm:"type:varchar(20);not null"`
	ServiceTypes       string     `json:"service_types" gorm:"type:text;not null"` // comma-separated
	IsAvailable        bool       `json:"is_available" gorm:"default:false"`
	IsVerified         bool       `json:"is_verified" gorm:"default:false"`
	CurrentLat         *float64   `json:"current_lat" gorm:"type:decimal(10,8)"`
	CurrentLng         *float64   `json:"current_lng" gorm:"type:decimal(11,8)"`
	LastLocationUpdate *time.Time `json:"last_location_update"`
	CompletedJobs      int        `json:"completed_jobs" gorm:"default:0"`
	Rating             float64    `json:"rating" gorm:"type:decimal(3,2);default:0"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// HasServiceType reports whether the professional offers the given service type.
func (p *Professional) HasServiceType(serviceType string) bool {
	for _, s := range strings.Split(p.ServiceTypes, ",") {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(serviceType)) {
			return true
		}
	}
	return false
}

// HasLocation reports whether the professional has reported coordinates.
func (p *Professional) HasLocation() bool {
	return p.CurrentLat != nil && p.CurrentLng != nil
}

// RankedProfessional is a matcher result: a professional annotated with the
// great-circle distance to the service location.
type RankedProfessional struct {
	Professional Professional `json:"professional"`
	DistanceKm   float64      `json:"distance_km"`
}

// ProfessionalLocationUpdate is the request body for a location report.
type ProfessionalLocationUpdate struct {
	Latitude    float64 `json:"latitude" binding:"required"`
	Longitude   float64 `json:"longitude" binding:"required"`
	IsAvailable bool    `json:"is_available"`
}
