package models

import (
	"time"
)

// NotificationChannel is the transport used to deliver a notification.
type NotificationChannel string

const (
	ChannelEmail NotificationChannel = "EMAIL"
	ChannelSMS   NotificationChannel = "SMS"
	ChannelPush  NotificationChannel = "PUSH"
)

// IsValid reports whether the channel is one this server can dispatch on.
func (c NotificationChannel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

// NotificationStatus represents the delivery state of a notification record.
type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "PENDING"
	NotificationStatusScheduled NotificationStatus = "SCHEDULED"
	NotificationStatusSending   NotificationStatus = "SENDING"
	NotificationStatusSent      NotificationStatus = "SENT"
	NotificationStatusDelivered NotificationStatus = "DELIVERED"
	NotificationStatusRead      NotificationStatus = "READ"
	NotificationStatusFailed    NotificationStatus = "FAILED"
	NotificationStatusCancelled NotificationStatus = "CANCELLED"
	NotificationStatusExpired   NotificationStatus = "EXPIRED"
	NotificationStatusRetrying  NotificationStatus = "RETRYING"
)

// IsTerminal reports whether the record will never be claimed again.
// FAILED is terminal only once attempts have exhausted max_attempts; the
// dispatcher re-labels retryable failures as RETRYING before releasing them.
func (s NotificationStatus) IsTerminal() bool {
	switch s {
	case NotificationStatusDelivered, NotificationStatusRead,
		NotificationStatusFailed, NotificationStatusCancelled, NotificationStatusExpired:
		return true
	}
	return false
}

// Notification kinds produced by this subsystem.
const (
	NotificationKindOffer        = "attribution_offer"
	NotificationKindOfferClosed  = "attribution_offer_closed"
	NotificationKindConfirmation = "attribution_confirmed"
	NotificationKindExpired      = "attribution_expired"
	NotificationKindCancelled    = "attribution_cancelled"
	NotificationKindReminder     = "service_reminder"
	NotificationKindManualAssign = "manual_assignment_required"
)

// Notification is a durable delivery record. Every mutation after creation is
// a conditional update keyed by the current status so that two workers can
// never both win a claim or regress a terminal state.
type Notification struct {
	ID            uint                `json:"id" gorm:"primaryKey"`
	DedupeKey     string              `json:"dedupe_key" gorm:"type:varchar(128);not null;uniqueIndex"`
	RecipientID   uint                `json:"recipient_id" gorm:"not null;index"`
	Recipient     string              `json:"recipient" gorm:"type:varchar(255);not null"` // email address, phone number or push target
	Channel       NotificationChannel `json:"channel" gorm:"type:varchar(10);not null"`
	Kind          string              `json:"kind" gorm:"type:varchar(50);not null"`
	Subject       string              `json:"subject" gorm:"type:varchar(255);not null"`
	Body          string              `json:"body" gorm:"type:text;not null"`
	Data          string              `json:"data" gorm:"type:text"` // JSON payload
	AttributionID *uint               `json:"attribution_id" gorm:"index"`
	Status        NotificationStatus  `json:"status" gorm:"type:varchar(12);not null;default:'PENDING';index"`
	Attempts      int                 `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts   int                 `json:"max_attempts" gorm:"not null;default:3"`
	ScheduledAt   *time.Time          `json:"scheduled_at" gorm:"index"`
	NextAttemptAt *time.Time          `json:"next_attempt_at" gorm:"index"`
	SentAt        *time.Time          `json:"sent_at"`
	DeliveredAt   *time.Time          `json:"delivered_at"`
	ReadAt        *time.Time          `json:"read_at"`
	FailedAt      *time.Time          `json:"failed_at"`
	LastError     *string             `json:"last_error" gorm:"type:text"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// NotificationEnqueue is the request body for enqueueing a notification.
type NotificationEnqueue struct {
	RecipientID uint                   `json:"recipient_id" binding:"required"`
	Recipient   string                 `json:"recipient" binding:"required"`
	Channel     NotificationChannel    `json:"channel" binding:"required"`
	Kind        string                 `json:"kind"`
	Subject     string                 `json:"subject" binding:"required"`
	Body        string                 `json:"body" binding:"required"`
	Data        map[string]interface{} `json:"data"`
	ScheduledAt *time.Time             `json:"scheduled_at"`
	DedupeKey   string                 `json:"dedupe_key"`
}
