package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"attribution-service-server/config"
	"attribution-service-server/models"
)

// ReminderService hands due reminders to the notification dispatcher. Claims
// use the same conditional-write discipline as the dispatcher, so overlapping
// poll runs never hand the same reminder off twice.
type ReminderService struct {
	db         *gorm.DB
	dispatcher *NotificationDispatcher

	maxAttempts   int
	retryInterval time.Duration
}

// NewReminderService creates a new reminder scheduler service.
func NewReminderService(db *gorm.DB, dispatcher *NotificationDispatcher, cfg config.ReminderConfig) *ReminderService {
	return &ReminderService{
		db:            db,
		dispatcher:    dispatcher,
		maxAttempts:   cfg.MaxAttempts,
		retryInterval: cfg.RetryInterval,
	}
}

// Schedule validates and stores a reminder ahead of its service date.
func (s *ReminderService) Schedule(req models.ReminderCreate) (*models.ScheduledReminder, error) {
	if !req.Channel.IsValid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, req.Channel)
	}
	if req.ScheduledDate.After(req.ServiceDate) {
		return nil, fmt.Errorf("%w: reminder must be scheduled before the service date", ErrInvalidInput)
	}

	reminder := &models.ScheduledReminder{
		BookingID:     req.BookingID,
		ReminderType:  req.ReminderType,
		ScheduledDate: req.ScheduledDate,
		ServiceDate:   req.ServiceDate,
		RecipientID:   req.RecipientID,
		RecipientName: req.RecipientName,
		Recipient:     req.Recipient,
		Channel:       req.Channel,
		Status:        models.ReminderStatusScheduled,
		MaxAttempts:   s.maxAttempts,
	}
	if err := s.db.Create(reminder).Error; err != nil {
		return nil, err
	}
	return reminder, nil
}

// Get returns a reminder by id.
func (s *ReminderService) Get(id uint) (*models.ScheduledReminder, error) {
	var reminder models.ScheduledReminder
	if err := s.db.First(&reminder, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: reminder %d", ErrNotFound, id)
		}
		return nil, err
	}
	return &reminder, nil
}

// RunOnce processes one poll pass: claim due reminders into PROCESSING and
// hand each to the dispatcher. A failed handoff stays in PROCESSING for a
// bounded number of retries, then FAILED.
func (s *ReminderService) RunOnce() int {
	now := time.Now()
	s.failAbandoned(now)

	var dueIDs []uint
	err := s.db.Model(&models.ScheduledReminder{}).
		Where("(status = ? AND scheduled_date <= ?) OR (status = ? AND next_attempt_at <= ?)",
			models.ReminderStatusScheduled, now, models.ReminderStatusProcessing, now).
		Where("attempts < max_attempts").
		Order("scheduled_date ASC").
		Pluck("id", &dueIDs).Error
	if err != nil {
		log.Printf("❌ Reminder scan failed: %v", err)
		return 0
	}

	handed := 0
	for _, id := range dueIDs {
		reminder, err := s.claim(id, now)
		if err != nil {
			if !errors.Is(err, ErrNotClaimable) {
				log.Printf("❌ Failed to claim reminder %d: %v", id, err)
			}
			continue
		}
		if s.handOff(reminder) {
			handed++
		}
	}
	return handed
}

// failAbandoned dead-letters reminders orphaned by a crash during their final
// attempt. A PROCESSING row with no attempts left is unreachable by claim, so
// once its retry slot elapses nothing else can happen to it.
func (s *ReminderService) failAbandoned(now time.Time) {
	res := s.db.Model(&models.ScheduledReminder{}).
		Where("status = ? AND attempts >= max_attempts AND next_attempt_at <= ?",
			models.ReminderStatusProcessing, now).
		Updates(map[string]interface{}{
			"status":     models.ReminderStatusFailed,
			"last_error": "handoff worker lost mid-flight",
		})
	if res.Error != nil {
		log.Printf("❌ Failed to dead-letter abandoned reminders: %v", res.Error)
	} else if res.RowsAffected > 0 {
		log.Printf("💀 Dead-lettered %d abandoned reminders with no attempts left", res.RowsAffected)
	}
}

// claim conditionally moves a due reminder into PROCESSING and books the next
// retry slot up front, so a crash mid-handoff leaves a retryable record.
func (s *ReminderService) claim(id uint, now time.Time) (*models.ScheduledReminder, error) {
	res := s.db.Model(&models.ScheduledReminder{}).
		Where("id = ? AND ((status = ? AND scheduled_date <= ?) OR (status = ? AND next_attempt_at <= ?))",
			id, models.ReminderStatusScheduled, now, models.ReminderStatusProcessing, now).
		Where("attempts < max_attempts").
		Updates(map[string]interface{}{
			"status":          models.ReminderStatusProcessing,
			"attempts":        gorm.Expr("attempts + 1"),
			"next_attempt_at": now.Add(s.retryInterval),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotClaimable
	}

	var reminder models.ScheduledReminder
	if err := s.db.First(&reminder, id).Error; err != nil {
		return nil, err
	}
	return &reminder, nil
}

// handOff builds the notification payload from the stored recipient data and
// enqueues it. Reports whether the reminder reached SENT.
func (s *ReminderService) handOff(reminder *models.ScheduledReminder) bool {
	data, _ := json.Marshal(map[string]interface{}{
		"booking_id":    reminder.BookingID,
		"reminder_type": reminder.ReminderType,
		"service_date":  reminder.ServiceDate,
	})
	notification := &models.Notification{
		DedupeKey:   fmt.Sprintf("reminder:%d", reminder.ID),
		RecipientID: reminder.RecipientID,
		Recipient:   reminder.Recipient,
		Channel:     reminder.Channel,
		Kind:        models.NotificationKindReminder,
		Subject:     "Upcoming service reminder",
		Body: fmt.Sprintf("Hi %s, your service for booking %d is scheduled on %s.",
			reminder.RecipientName, reminder.BookingID, reminder.ServiceDate.Format("Mon, 02 Jan 2006 15:04")),
		Data: string(data),
	}

	if err := s.dispatcher.EnqueueRecord(notification); err != nil {
		s.recordHandoffFailure(reminder, err)
		return false
	}

	now := time.Now()
	res := s.db.Model(&models.ScheduledReminder{}).
		Where("id = ? AND status = ?", reminder.ID, models.ReminderStatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.ReminderStatusSent,
			"handed_off_at": now,
		})
	if res.Error != nil {
		log.Printf("❌ Failed to mark reminder %d sent: %v", reminder.ID, res.Error)
		return false
	}

	log.Printf("⏰ Reminder %d handed off as notification %d", reminder.ID, notification.ID)
	return true
}

func (s *ReminderService) recordHandoffFailure(reminder *models.ScheduledReminder, cause error) {
	message := cause.Error()
	updates := map[string]interface{}{"last_error": message}
	if reminder.Attempts >= reminder.MaxAttempts {
		updates["status"] = models.ReminderStatusFailed
		log.Printf("💀 Reminder %d failed permanently after %d attempts: %v", reminder.ID, reminder.Attempts, cause)
	} else {
		log.Printf("⚠️ Reminder %d handoff failed (attempt %d/%d), will retry: %v",
			reminder.ID, reminder.Attempts, reminder.MaxAttempts, cause)
	}

	if err := s.db.Model(&models.ScheduledReminder{}).
		Where("id = ? AND status = ?", reminder.ID, models.ReminderStatusProcessing).
		Updates(updates).Error; err != nil {
		log.Printf("❌ Failed to record handoff failure on reminder %d: %v", reminder.ID, err)
	}
}
