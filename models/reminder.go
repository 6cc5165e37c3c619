package models

import (
	"time"
)

// ReminderStatus represents the handoff state of a scheduled reminder.
type ReminderStatus string

const (
	ReminderStatusScheduled  ReminderStatus = "SCHEDULED"
	ReminderStatusProcessing ReminderStatus = "PROCESSING"
	ReminderStatusSent       ReminderStatus = "SENT"
	ReminderStatusFailed     ReminderStatus = "FAILED"
)

// Reminder types known to the scheduler.
const (
	ReminderTypePreService = "pre_service"
	ReminderTypeDayOf      = "day_of_service"
)

// ScheduledReminder is created ahead of a service date and handed to the
// notification dispatcher once its scheduled date is due. The claim into
// PROCESSING is a conditional write so overlapping poll runs cannot hand the
// same reminder off twice.
type ScheduledReminder struct {
	ID            uint                `json:"id" gorm:"primaryKey"`
	BookingID     uint                `json:"booking_id" gorm:"not null;index"`
	ReminderType  string              `json:"reminder_type" gorm:"type:varchar(30);not null"`
	ScheduledDate time.Time           `json:"scheduled_date" gorm:"not null;index"`
	ServiceDate   time.Time           `json:"service_date" gorm:"not null"`
	RecipientID   uint                `json:"recipient_id" gorm:"not null"`
	RecipientName string              `json:"recipient_name" gorm:"type:varchar(200);not null"`
	Recipient     string              `json:"recipient" gorm:"type:varchar(255);not null"`
	Channel       NotificationChannel `json:"channel" gorm:"type:varchar(10);not null"`
	Status        ReminderStatus      `json:"status" gorm:"type:varchar(12);not null;default:'SCHEDULED';index"`
	Attempts      int                 `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts   int                 `json:"max_attempts" gorm:"not null;default:3"`
	NextAttemptAt *time.Time          `json:"next_attempt_at"`
	LastError     *string             `json:"last_error" gorm:"type:text"`
	HandedOffAt   *time.Time          `json:"handed_off_at"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// ReminderCreate is the request body for scheduling a reminder.
type ReminderCreate struct {
	BookingID     uint                `json:"booking_id" binding:"required"`
	ReminderType  string              `json:"reminder_type" binding:"required,oneof=pre_service day_of_service"`
	ScheduledDate time.Time           `json:"scheduled_date" binding:"required"`
	ServiceDate   time.Time           `json:"service_date" binding:"required"`
	RecipientID   uint                `json:"recipient_id" binding:"required"`
	RecipientName string              `json:"recipient_name" binding:"required"`
	Recipient     string              `json:"recipient" binding:"required"`
	Channel       NotificationChannel `json:"channel" binding:"required"`
}
