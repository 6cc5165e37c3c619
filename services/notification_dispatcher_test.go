package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"attribution-service-server/models"
)

func validEnqueue() models.NotificationEnqueue {
	return models.NotificationEnqueue{
		RecipientID: 7,
		Recipient:   "customer@example.com",
		Channel:     models.ChannelEmail,
		Subject:     "Booking update",
		Body:        "Your booking has been updated.",
	}
}

func TestEnqueueRejectsMalformedRequests(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestDB(t))

	tests := []struct {
		name   string
		mutate func(*models.NotificationEnqueue)
	}{
		{"missing recipient id", func(r *models.NotificationEnqueue) { r.RecipientID = 0 }},
		{"blank recipient", func(r *models.NotificationEnqueue) { r.Recipient = "   " }},
		{"unknown channel", func(r *models.NotificationEnqueue) { r.Channel = "CARRIER_PIGEON" }},
		{"blank subject", func(r *models.NotificationEnqueue) { r.Subject = "" }},
		{"blank body", func(r *models.NotificationEnqueue) { r.Body = "  " }},
		{"email without address", func(r *models.NotificationEnqueue) { r.Recipient = "not-an-email" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validEnqueue()
			tt.mutate(&req)
			if _, err := d.Enqueue(req); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	var count int64
	d.db.Model(&models.Notification{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no records admitted, found %d", count)
	}
}

func TestEnqueueDedupeIsIdempotent(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestDB(t))

	req := validEnqueue()
	req.DedupeKey = "confirmation:42"

	first, err := d.Enqueue(req)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := d.Enqueue(req)
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected duplicate to resolve to record %d, got %d", first.ID, second.ID)
	}

	var count int64
	d.db.Model(&models.Notification{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 record, found %d", count)
	}
}

func TestScheduledNotificationIsNotClaimableEarly(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestDB(t))

	future := time.Now().Add(time.Hour)
	req := validEnqueue()
	req.ScheduledAt = &future

	notification, err := d.Enqueue(req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if notification.Status != models.NotificationStatusScheduled {
		t.Fatalf("expected SCHEDULED, got %s", notification.Status)
	}

	claimed, err := d.ClaimDue(10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected no claims before scheduled_at, got %d", len(claimed))
	}

	// Once the scheduled time passes the record becomes claimable.
	past := time.Now().Add(-time.Minute)
	d.db.Model(&models.Notification{}).Where("id = ?", notification.ID).Update("scheduled_at", past)

	claimed, err = d.ClaimDue(10)
	if err != nil {
		t.Fatalf("claim after due: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != notification.ID {
		t.Fatalf("expected to claim record %d, got %v", notification.ID, claimed)
	}
	if claimed[0].Status != models.NotificationStatusSending {
		t.Fatalf("expected SENDING, got %s", claimed[0].Status)
	}
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestDB(t))

	notification, err := d.Enqueue(validEnqueue())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([][]models.Notification, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := d.ClaimDue(1)
			if err != nil {
				t.Errorf("worker %d claim: %v", i, err)
				return
			}
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	total := 0
	for _, claimed := range results {
		total += len(claimed)
	}
	if total != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", total)
	}

	var stored models.Notification
	d.db.First(&stored, notification.ID)
	if stored.Status != models.NotificationStatusSending {
		t.Fatalf("expected SENDING, got %s", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Fatalf("expected exactly one attempt recorded, got %d", stored.Attempts)
	}
}

func TestRunOnceDeliversAndMarksSent(t *testing.T) {
	d, stubs := newTestDispatcher(t, newTestDB(t))

	notification, err := d.Enqueue(validEnqueue())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if n := d.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	var stored models.Notification
	d.db.First(&stored, notification.ID)
	if stored.Status != models.NotificationStatusSent {
		t.Fatalf("expected SENT, got %s", stored.Status)
	}
	if stored.SentAt == nil {
		t.Fatal("expected sent_at to be set")
	}
	if sent := stubs[models.ChannelEmail].sent(); len(sent) != 1 || sent[0] != notification.ID {
		t.Fatalf("expected adapter to see record %d, got %v", notification.ID, sent)
	}
}

func TestFailedDeliveryRetriesWithBackoffThenSucceeds(t *testing.T) {
	d, stubs := newTestDispatcher(t, newTestDB(t))
	stubs[models.ChannelEmail].fail = 1

	notification, err := d.Enqueue(validEnqueue())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d.RunOnce(context.Background())

	var stored models.Notification
	d.db.First(&stored, notification.ID)
	if stored.Status != models.NotificationStatusRetrying {
		t.Fatalf("expected RETRYING after first failure, got %s", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", stored.Attempts)
	}
	if stored.NextAttemptAt == nil || !stored.NextAttemptAt.After(time.Now()) {
		t.Fatalf("expected a future next_attempt_at, got %v", stored.NextAttemptAt)
	}
	if stored.LastError == nil {
		t.Fatal("expected last_error to be recorded")
	}

	// Not due yet: the backoff window keeps it out of the claim pool.
	if n := d.RunOnce(context.Background()); n != 0 {
		t.Fatalf("expected no deliveries during backoff, got %d", n)
	}

	past := time.Now().Add(-time.Second)
	d.db.Model(&models.Notification{}).Where("id = ?", notification.ID).Update("next_attempt_at", past)

	if n := d.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected retry delivery, got %d", n)
	}

	d.db.First(&stored, notification.ID)
	if stored.Status != models.NotificationStatusSent {
		t.Fatalf("expected SENT after retry, got %s", stored.Status)
	}
	if stored.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", stored.Attempts)
	}
}

func TestExhaustedAttemptsDeadLetter(t *testing.T) {
	d, stubs := newTestDispatcher(t, newTestDB(t))
	stubs[models.ChannelEmail].fail = 10

	notification, err := d.Enqueue(validEnqueue())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	past := time.Now().Add(-time.Second)
	for i := 0; i < 3; i++ {
		d.RunOnce(context.Background())
		d.db.Model(&models.Notification{}).Where("id = ?", notification.ID).Update("next_attempt_at", past)
	}

	var stored models.Notification
	d.db.First(&stored, notification.ID)
	if stored.Status != models.NotificationStatusFailed {
		t.Fatalf("expected FAILED after exhausting attempts, got %s", stored.Status)
	}
	if stored.Attempts != 3 {
		t.Fatalf("expected attempts capped at max_attempts, got %d", stored.Attempts)
	}

	// Dead-lettered records never re-enter the claim pool.
	if n := d.RunOnce(context.Background()); n != 0 {
		t.Fatalf("expected no further deliveries, got %d", n)
	}
	d.db.First(&stored, notification.ID)
	if stored.Attempts != 3 {
		t.Fatalf("expected no further attempts, got %d", stored.Attempts)
	}
}

func TestStaleInFlightClaimIsReleasedAndRedelivered(t *testing.T) {
	d, stubs := newTestDispatcher(t, newTestDB(t))

	notification, err := d.Enqueue(validEnqueue())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// A worker claims the record and dies before finishing delivery.
	claimed, err := d.ClaimDue(1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claimed))
	}

	// Within the visibility window the record is invisible to other workers.
	if n := d.RunOnce(context.Background()); n != 0 {
		t.Fatalf("expected no deliveries while claim is fresh, got %d", n)
	}

	stale := time.Now().Add(-time.Hour)
	d.db.Model(&models.Notification{}).Where("id = ?", notification.ID).
		UpdateColumn("updated_at", stale)

	// Past the window the claim is released and the record delivers.
	if n := d.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected the released record to deliver, got %d", n)
	}

	var stored models.Notification
	d.db.First(&stored, notification.ID)
	if stored.Status != models.NotificationStatusSent {
		t.Fatalf("expected SENT after recovery, got %s", stored.Status)
	}
	if stored.Attempts != 2 {
		t.Fatalf("expected the lost attempt to stay counted, got %d attempts", stored.Attempts)
	}
	if sent := stubs[models.ChannelEmail].sent(); len(sent) != 1 || sent[0] != notification.ID {
		t.Fatalf("expected adapter to see record %d, got %v", notification.ID, sent)
	}
}

func TestStaleInFlightClaimDeadLettersWhenAttemptsExhausted(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestDB(t))

	notification, err := d.Enqueue(validEnqueue())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Simulate a crash during the final attempt: SENDING with no budget left.
	stale := time.Now().Add(-time.Hour)
	d.db.Model(&models.Notification{}).Where("id = ?", notification.ID).
		UpdateColumns(map[string]interface{}{
			"status":     models.NotificationStatusSending,
			"attempts":   3,
			"updated_at": stale,
		})

	if n := d.RunOnce(context.Background()); n != 0 {
		t.Fatalf("expected no delivery for an exhausted record, got %d", n)
	}

	var stored models.Notification
	d.db.First(&stored, notification.ID)
	if stored.Status != models.NotificationStatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
	if stored.Attempts != 3 {
		t.Fatalf("expected attempts unchanged, got %d", stored.Attempts)
	}
	if stored.LastError == nil {
		t.Fatal("expected the lost worker to be recorded as last_error")
	}
}

func TestMarkSentSkipsRecordNoLongerInFlight(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestDB(t))

	if _, err := d.Enqueue(validEnqueue()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := d.ClaimDue(1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claimed))
	}
	record := claimed[0]

	// Another transition takes the record away, e.g. a stale-claim release
	// after a long adapter stall.
	d.db.Model(&models.Notification{}).Where("id = ?", record.ID).
		UpdateColumn("status", models.NotificationStatusRetrying)

	d.markSent(&record)

	if record.Status == models.NotificationStatusSent || record.SentAt != nil {
		t.Fatalf("expected the in-memory record untouched, got %s", record.Status)
	}
	var stored models.Notification
	d.db.First(&stored, record.ID)
	if stored.Status != models.NotificationStatusRetrying {
		t.Fatalf("expected the concurrent transition to stand, got %s", stored.Status)
	}
	if stored.SentAt != nil {
		t.Fatal("expected no sent_at on a record that never completed delivery")
	}
}

func TestBackoffSchedule(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestDB(t))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{6, 15 * time.Minute}, // capped
		{20, 15 * time.Minute},
	}

	for _, tt := range tests {
		if got := d.Backoff(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

func TestDeliveryReceiptOrdering(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestDB(t))

	notification, err := d.Enqueue(validEnqueue())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Receipt callbacks are rejected until the record has been SENT.
	if err := d.MarkDelivered(notification.ID); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable before send, got %v", err)
	}
	if err := d.MarkRead(notification.ID); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable before delivery, got %v", err)
	}

	d.RunOnce(context.Background())

	if err := d.MarkRead(notification.ID); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("expected read before delivered to fail, got %v", err)
	}
	if err := d.MarkDelivered(notification.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := d.MarkDelivered(notification.ID); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("expected repeated delivered callback to fail, got %v", err)
	}
	if err := d.MarkRead(notification.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	var stored models.Notification
	d.db.First(&stored, notification.ID)
	if stored.Status != models.NotificationStatusRead {
		t.Fatalf("expected READ, got %s", stored.Status)
	}
	if stored.SentAt == nil || stored.DeliveredAt == nil || stored.ReadAt == nil {
		t.Fatal("expected all receipt timestamps to be set")
	}
	if stored.SentAt.After(*stored.DeliveredAt) || stored.DeliveredAt.After(*stored.ReadAt) {
		t.Fatalf("expected sent <= delivered <= read, got %v %v %v",
			stored.SentAt, stored.DeliveredAt, stored.ReadAt)
	}
}

func TestWithdrawOnlyTouchesPendingRecords(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestDB(t))

	pending, err := d.Enqueue(validEnqueue())
	if err != nil {
		t.Fatalf("enqueue pending: %v", err)
	}

	req := validEnqueue()
	req.DedupeKey = "second"
	sent, err := d.Enqueue(req)
	if err != nil {
		t.Fatalf("enqueue sent: %v", err)
	}
	d.db.Model(&models.Notification{}).Where("id = ?", sent.ID).
		Update("status", models.NotificationStatusSent)

	if err := d.Withdraw(pending.ID, models.NotificationStatusSent); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid withdrawal status to be rejected, got %v", err)
	}
	if err := d.Withdraw(pending.ID, models.NotificationStatusCancelled); err != nil {
		t.Fatalf("withdraw pending: %v", err)
	}
	if err := d.Withdraw(sent.ID, models.NotificationStatusCancelled); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("expected in-flight record to be untouchable, got %v", err)
	}

	var stored models.Notification
	d.db.First(&stored, pending.ID)
	if stored.Status != models.NotificationStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", stored.Status)
	}
}

func TestUnregisteredChannelFailsAsData(t *testing.T) {
	db := newTestDB(t)
	d := NewNotificationDispatcher(db, testDispatcherConfig(), nil)

	req := validEnqueue()
	notification, err := d.Enqueue(req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d.RunOnce(context.Background())

	var stored models.Notification
	db.First(&stored, notification.ID)
	if stored.Status != models.NotificationStatusRetrying {
		t.Fatalf("expected RETRYING when no adapter is registered, got %s", stored.Status)
	}
	if stored.LastError == nil {
		t.Fatal("expected the missing adapter to be recorded as last_error")
	}
}

func TestEnqueueRecordGeneratesDedupeKey(t *testing.T) {
	d, _ := newTestDispatcher(t, newTestDB(t))

	for i := 0; i < 2; i++ {
		notification := &models.Notification{
			RecipientID: uint(i + 1),
			Recipient:   fmt.Sprintf("pro%d@example.com", i+1),
			Channel:     models.ChannelEmail,
			Subject:     "Hello",
			Body:        "World",
		}
		if err := d.EnqueueRecord(notification); err != nil {
			t.Fatalf("enqueue record %d: %v", i, err)
		}
		if notification.DedupeKey == "" {
			t.Fatal("expected a generated dedupe key")
		}
	}

	var count int64
	d.db.Model(&models.Notification{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 records, got %d", count)
	}
}
