package models

import (
	"time"
)

// Booking mirrors the data this subsystem needs from the booking-formation
// collaborator. Bookings are created elsewhere; attribution only reads them
// to build offer payloads and to notify the customer.
type Booking struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	CustomerID    uint      `json:"customer_id" gorm:"not null"`
	CustomerName  string    `json:"customer_name" gorm:"type:varchar(200);not null"`
	CustomerEmail string    `json:"customer_email" gorm:"type:varchar(255);not null"`
	CustomerPhone string    `json:"customer_phone" gorm:"type:varchar(20)"`
	ServiceType   string    `json:"service_type" gorm:"type:varchar(100);not null"`
	Address       string    `json:"address" gorm:"size:500;not null"`
	LocationLat   *float64  `json:"location_lat" gorm:"type:decimal(10,8)"`
	LocationLng   *float64  `json:"location_lng" gorm:"type:decimal(11,8)"`
	ScheduledDate time.Time `json:"scheduled_date" gorm:"not null"`
	Amount        float64   `json:"amount" gorm:"type:decimal(10,2);not null"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the Booking model
func (Booking) TableName() string {
	return "bookings"
}
