package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"attribution-service-server/models"
)

func newTestReminderService(t *testing.T) (*ReminderService, *gorm.DB) {
	t.Helper()

	db := newTestDB(t)
	dispatcher, _ := newTestDispatcher(t, db)
	return NewReminderService(db, dispatcher, testReminderConfig()), db
}

func validReminder() models.ReminderCreate {
	return models.ReminderCreate{
		BookingID:     42,
		ReminderType:  models.ReminderTypePreService,
		ScheduledDate: time.Now().Add(-time.Minute),
		ServiceDate:   time.Now().Add(24 * time.Hour),
		RecipientID:   7,
		RecipientName: "Marie Lefevre",
		Recipient:     "marie.lefevre@example.com",
		Channel:       models.ChannelEmail,
	}
}

func TestScheduleRejectsBadInput(t *testing.T) {
	svc, _ := newTestReminderService(t)

	badChannel := validReminder()
	badChannel.Channel = "FAX"
	if _, err := svc.Schedule(badChannel); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected unknown channel to be rejected, got %v", err)
	}

	afterService := validReminder()
	afterService.ScheduledDate = afterService.ServiceDate.Add(time.Hour)
	if _, err := svc.Schedule(afterService); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected reminder after service date to be rejected, got %v", err)
	}
}

func TestDueReminderIsHandedOffExactlyOnce(t *testing.T) {
	svc, db := newTestReminderService(t)

	reminder, err := svc.Schedule(validReminder())
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if reminder.Status != models.ReminderStatusScheduled {
		t.Fatalf("expected SCHEDULED, got %s", reminder.Status)
	}

	if n := svc.RunOnce(); n != 1 {
		t.Fatalf("expected 1 handoff, got %d", n)
	}

	var stored models.ScheduledReminder
	db.First(&stored, reminder.ID)
	if stored.Status != models.ReminderStatusSent {
		t.Fatalf("expected SENT, got %s", stored.Status)
	}
	if stored.HandedOffAt == nil {
		t.Fatal("expected handed_off_at to be set")
	}
	if stored.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", stored.Attempts)
	}

	var notification models.Notification
	key := fmt.Sprintf("reminder:%d", reminder.ID)
	if err := db.Where("dedupe_key = ?", key).First(&notification).Error; err != nil {
		t.Fatalf("expected a queued notification under %s: %v", key, err)
	}
	if notification.Kind != models.NotificationKindReminder {
		t.Fatalf("expected reminder kind, got %s", notification.Kind)
	}

	// A second poll pass finds nothing to do.
	if n := svc.RunOnce(); n != 0 {
		t.Fatalf("expected no further handoffs, got %d", n)
	}
	var count int64
	db.Model(&models.Notification{}).Where("dedupe_key = ?", key).Count(&count)
	if count != 1 {
		t.Fatalf("expected a single notification, got %d", count)
	}
}

func TestFutureReminderIsNotClaimed(t *testing.T) {
	svc, db := newTestReminderService(t)

	req := validReminder()
	req.ScheduledDate = time.Now().Add(time.Hour)
	reminder, err := svc.Schedule(req)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if n := svc.RunOnce(); n != 0 {
		t.Fatalf("expected no handoffs before the scheduled date, got %d", n)
	}

	var stored models.ScheduledReminder
	db.First(&stored, reminder.ID)
	if stored.Status != models.ReminderStatusScheduled {
		t.Fatalf("expected SCHEDULED, got %s", stored.Status)
	}
	if stored.Attempts != 0 {
		t.Fatalf("expected no attempts, got %d", stored.Attempts)
	}
}

func TestFailedHandoffRetriesThenFails(t *testing.T) {
	svc, db := newTestReminderService(t)

	// An empty recipient passes scheduling but is rejected by the dispatcher,
	// which forces the handoff down the failure path.
	req := validReminder()
	req.Recipient = " "
	reminder, err := svc.Schedule(req)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	db.Model(&models.ScheduledReminder{}).Where("id = ?", reminder.ID).Update("recipient", "")

	past := time.Now().Add(-time.Second)
	for i := 0; i < 3; i++ {
		if n := svc.RunOnce(); n != 0 {
			t.Fatalf("pass %d: expected failed handoff, got %d successes", i, n)
		}
		db.Model(&models.ScheduledReminder{}).Where("id = ?", reminder.ID).
			Update("next_attempt_at", past)
	}

	var stored models.ScheduledReminder
	db.First(&stored, reminder.ID)
	if stored.Status != models.ReminderStatusFailed {
		t.Fatalf("expected FAILED after exhausting attempts, got %s", stored.Status)
	}
	if stored.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", stored.Attempts)
	}
	if stored.LastError == nil {
		t.Fatal("expected last_error to be recorded")
	}

	// Exhausted reminders stay out of the claim pool.
	if n := svc.RunOnce(); n != 0 {
		t.Fatalf("expected no claims after failure, got %d", n)
	}
	db.First(&stored, reminder.ID)
	if stored.Attempts != 3 {
		t.Fatalf("expected no further attempts, got %d", stored.Attempts)
	}
}

func TestAbandonedFinalAttemptIsMarkedFailed(t *testing.T) {
	svc, db := newTestReminderService(t)

	reminder, err := svc.Schedule(validReminder())
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Simulate a crash during the final attempt: claimed into PROCESSING with
	// the budget spent, retry slot already elapsed.
	past := time.Now().Add(-time.Hour)
	db.Model(&models.ScheduledReminder{}).Where("id = ?", reminder.ID).
		UpdateColumns(map[string]interface{}{
			"status":          models.ReminderStatusProcessing,
			"attempts":        3,
			"next_attempt_at": past,
		})

	if n := svc.RunOnce(); n != 0 {
		t.Fatalf("expected no handoff for an exhausted reminder, got %d", n)
	}

	var stored models.ScheduledReminder
	db.First(&stored, reminder.ID)
	if stored.Status != models.ReminderStatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
	if stored.Attempts != 3 {
		t.Fatalf("expected attempts unchanged, got %d", stored.Attempts)
	}
	if stored.LastError == nil {
		t.Fatal("expected the lost worker to be recorded as last_error")
	}
}
