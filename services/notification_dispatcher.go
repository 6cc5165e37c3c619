package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"attribution-service-server/config"
	"attribution-service-server/models"
)

// claimableStatuses are the states a delivery worker may claim from. RETRYING
// records re-enter the pool once their backoff delay has elapsed.
var claimableStatuses = []models.NotificationStatus{
	models.NotificationStatusPending,
	models.NotificationStatusScheduled,
	models.NotificationStatusRetrying,
}

// NotificationDispatcher is the durable, idempotent delivery pipeline. All
// shared state lives in the notifications table; workers are stateless and
// coordinate purely through conditional writes, so any number of dispatcher
// instances may poll concurrently.
type NotificationDispatcher struct {
	db       *gorm.DB
	adapters map[models.NotificationChannel]ChannelAdapter
	guard    *IdempotencyGuard // optional redis fast path, may be nil

	maxAttempts       int
	backoffBase       time.Duration
	backoffCap        time.Duration
	batchSize         int
	adapterTimeout    time.Duration
	visibilityTimeout time.Duration
}

// NewNotificationDispatcher creates a dispatcher over the given database handle.
func NewNotificationDispatcher(db *gorm.DB, cfg config.DispatcherConfig, guard *IdempotencyGuard) *NotificationDispatcher {
	return &NotificationDispatcher{
		db:                db,
		adapters:          make(map[models.NotificationChannel]ChannelAdapter),
		guard:             guard,
		maxAttempts:       cfg.MaxAttempts,
		backoffBase:       cfg.BackoffBase,
		backoffCap:        cfg.BackoffCap,
		batchSize:         cfg.BatchSize,
		adapterTimeout:    cfg.AdapterTimeout,
		visibilityTimeout: cfg.VisibilityTimeout,
	}
}

// RegisterAdapter registers a channel adapter. Unknown channels fail at
// delivery time, not at enqueue time, so a temporarily unconfigured transport
// does not reject records.
func (d *NotificationDispatcher) RegisterAdapter(adapter ChannelAdapter) {
	d.adapters[adapter.Channel()] = adapter
}

// Enqueue validates the request synchronously and creates a delivery record.
// Malformed input is rejected here and never admitted to the queue. Repeated
// enqueues with the same dedupe key return the existing record.
func (d *NotificationDispatcher) Enqueue(req models.NotificationEnqueue) (*models.Notification, error) {
	if err := validateEnqueue(req); err != nil {
		return nil, err
	}

	notification := &models.Notification{
		DedupeKey:   req.DedupeKey,
		RecipientID: req.RecipientID,
		Recipient:   strings.TrimSpace(req.Recipient),
		Channel:     req.Channel,
		Kind:        req.Kind,
		Subject:     req.Subject,
		Body:        req.Body,
		ScheduledAt: req.ScheduledAt,
	}
	if req.Data != nil {
		dataJSON, err := json.Marshal(req.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: data payload is not serializable", ErrInvalidInput)
		}
		notification.Data = string(dataJSON)
	}

	if err := d.EnqueueRecord(notification); err != nil {
		return nil, err
	}
	return notification, nil
}

// EnqueueRecord persists a pre-built notification record. Producers inside the
// server (attribution coordinator, reminder scheduler) use this directly so
// they can attach attribution ids and kinds.
func (d *NotificationDispatcher) EnqueueRecord(notification *models.Notification) error {
	if notification.Recipient == "" || notification.Subject == "" || notification.Body == "" {
		return fmt.Errorf("%w: recipient, subject and body are required", ErrInvalidInput)
	}
	if !notification.Channel.IsValid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, notification.Channel)
	}
	if notification.DedupeKey == "" {
		notification.DedupeKey = uuid.NewString()
	}
	if notification.Kind == "" {
		notification.Kind = "generic"
	}
	if notification.MaxAttempts == 0 {
		notification.MaxAttempts = d.maxAttempts
	}

	notification.Status = models.NotificationStatusPending
	if notification.ScheduledAt != nil && notification.ScheduledAt.After(time.Now()) {
		notification.Status = models.NotificationStatusScheduled
	}

	// Redis fast path: a key already reserved means a duplicate enqueue, so
	// skip the insert. The DB unique index stays authoritative either way.
	if d.guard != nil && !d.guard.Reserve(notification.DedupeKey) {
		return d.loadExisting(notification)
	}

	err := d.db.Create(notification).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return d.loadExisting(notification)
	}
	return err
}

// loadExisting resolves an idempotent re-enqueue to the already-stored record.
func (d *NotificationDispatcher) loadExisting(notification *models.Notification) error {
	var existing models.Notification
	if err := d.db.Where("dedupe_key = ?", notification.DedupeKey).First(&existing).Error; err != nil {
		return err
	}
	*notification = existing
	return nil
}

// ClaimDue atomically claims up to limit due records into SENDING. The claim
// and the attempts increment are one conditional write per record: a record
// whose conditional update affects zero rows was won by another worker (or is
// no longer due) and is skipped.
func (d *NotificationDispatcher) ClaimDue(limit int) ([]models.Notification, error) {
	now := time.Now()
	d.releaseStale(now)

	var candidateIDs []uint
	err := d.db.Model(&models.Notification{}).
		Where("status IN ?", claimableStatuses).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Where("attempts < max_attempts").
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &candidateIDs).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]models.Notification, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		notification, err := d.claimOne(id, now)
		if err != nil {
			if !errors.Is(err, ErrNotClaimable) {
				log.Printf("❌ Failed to claim notification %d: %v", id, err)
			}
			continue
		}
		claimed = append(claimed, *notification)
	}
	return claimed, nil
}

// releaseStale recovers records orphaned mid-flight. A record claimed into
// SENDING whose row has not moved for longer than the visibility window lost
// its worker; the attempt was already counted at claim time, so it re-enters
// the pool as RETRYING, or dead-letters when the attempt budget is spent.
func (d *NotificationDispatcher) releaseStale(now time.Time) {
	cutoff := now.Add(-d.visibilityTimeout)

	res := d.db.Model(&models.Notification{}).
		Where("status = ? AND updated_at <= ? AND attempts < max_attempts",
			models.NotificationStatusSending, cutoff).
		Updates(map[string]interface{}{
			"status":          models.NotificationStatusRetrying,
			"next_attempt_at": now,
			"last_error":      "delivery worker lost mid-flight",
		})
	if res.Error != nil {
		log.Printf("❌ Failed to release stale notification claims: %v", res.Error)
	} else if res.RowsAffected > 0 {
		log.Printf("⚠️ Released %d stale in-flight notifications back to the pool", res.RowsAffected)
	}

	res = d.db.Model(&models.Notification{}).
		Where("status = ? AND updated_at <= ? AND attempts >= max_attempts",
			models.NotificationStatusSending, cutoff).
		Updates(map[string]interface{}{
			"status":     models.NotificationStatusFailed,
			"failed_at":  now,
			"last_error": "delivery worker lost mid-flight",
		})
	if res.Error != nil {
		log.Printf("❌ Failed to dead-letter stale notification claims: %v", res.Error)
	} else if res.RowsAffected > 0 {
		log.Printf("💀 Dead-lettered %d stale in-flight notifications with no attempts left", res.RowsAffected)
	}
}

// claimOne performs the conditional SENDING transition for a single record.
func (d *NotificationDispatcher) claimOne(id uint, now time.Time) (*models.Notification, error) {
	res := d.db.Model(&models.Notification{}).
		Where("id = ? AND status IN ?", id, claimableStatuses).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Where("attempts < max_attempts").
		Updates(map[string]interface{}{
			"status":   models.NotificationStatusSending,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotClaimable
	}

	var notification models.Notification
	if err := d.db.First(&notification, id).Error; err != nil {
		return nil, err
	}
	return &notification, nil
}

// Deliver hands a claimed record to its channel adapter. Success moves it to
// SENT; failure is recorded on the record and either released for retry with
// exponential backoff or dead-lettered once attempts exhaust max_attempts.
// Failure here is data on the record, never an error for the caller.
func (d *NotificationDispatcher) Deliver(ctx context.Context, notification *models.Notification) {
	adapter, ok := d.adapters[notification.Channel]
	if !ok {
		d.recordFailure(notification, fmt.Errorf("no adapter registered for channel %s", notification.Channel))
		return
	}

	// Every adapter call carries its own timeout so a stalled transport
	// cannot stall the worker.
	sendCtx, cancel := context.WithTimeout(ctx, d.adapterTimeout)
	defer cancel()

	if err := adapter.Send(sendCtx, notification); err != nil {
		d.recordFailure(notification, err)
		return
	}

	d.markSent(notification)
}

// RunOnce claims and delivers one batch of due records. One poison record
// never blocks the pipeline: its failure is recorded and the loop continues.
func (d *NotificationDispatcher) RunOnce(ctx context.Context) int {
	claimed, err := d.ClaimDue(d.batchSize)
	if err != nil {
		log.Printf("❌ Dispatcher claim pass failed: %v", err)
		return 0
	}
	for i := range claimed {
		d.Deliver(ctx, &claimed[i])
	}
	return len(claimed)
}

func (d *NotificationDispatcher) markSent(notification *models.Notification) {
	now := time.Now()
	res := d.db.Model(&models.Notification{}).
		Where("id = ? AND status = ?", notification.ID, models.NotificationStatusSending).
		Updates(map[string]interface{}{
			"status":  models.NotificationStatusSent,
			"sent_at": now,
		})
	if res.Error != nil {
		log.Printf("❌ Failed to mark notification %d sent: %v", notification.ID, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		// The record left SENDING underneath us, e.g. a stale-claim release
		// after a long adapter stall. The other transition owns the record now.
		log.Printf("⚠️ Notification %d was no longer in flight, sent transition skipped", notification.ID)
		return
	}
	notification.Status = models.NotificationStatusSent
	notification.SentAt = &now
	log.Printf("📤 Notification %d sent via %s (attempt %d/%d)",
		notification.ID, notification.Channel, notification.Attempts, notification.MaxAttempts)
}

func (d *NotificationDispatcher) recordFailure(notification *models.Notification, cause error) {
	now := time.Now()
	message := cause.Error()

	updates := map[string]interface{}{
		"last_error": message,
		"failed_at":  now,
	}
	if notification.Attempts < notification.MaxAttempts {
		updates["status"] = models.NotificationStatusRetrying
		updates["next_attempt_at"] = now.Add(d.Backoff(notification.Attempts))
	} else {
		// Dead letter: no further automatic claim will happen.
		updates["status"] = models.NotificationStatusFailed
	}

	res := d.db.Model(&models.Notification{}).
		Where("id = ? AND status = ?", notification.ID, models.NotificationStatusSending).
		Updates(updates)
	if res.Error != nil {
		log.Printf("❌ Failed to record failure on notification %d: %v", notification.ID, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		log.Printf("⚠️ Notification %d was no longer in flight, failure transition skipped", notification.ID)
		return
	}

	if notification.Attempts < notification.MaxAttempts {
		log.Printf("⚠️ Notification %d failed (attempt %d/%d), retrying: %v",
			notification.ID, notification.Attempts, notification.MaxAttempts, cause)
	} else {
		log.Printf("💀 Notification %d dead-lettered after %d attempts: %v",
			notification.ID, notification.Attempts, cause)
	}
}

// Backoff returns the retry delay after the given attempt number (1-based):
// base doubled per prior attempt, capped.
func (d *NotificationDispatcher) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := d.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.backoffCap {
			return d.backoffCap
		}
	}
	if delay > d.backoffCap {
		return d.backoffCap
	}
	return delay
}

// MarkDelivered advances SENT to DELIVERED from a channel delivery callback.
// The conditional write keeps timestamps monotonic: a record that was never
// SENT cannot become DELIVERED.
func (d *NotificationDispatcher) MarkDelivered(id uint) error {
	res := d.db.Model(&models.Notification{}).
		Where("id = ? AND status = ?", id, models.NotificationStatusSent).
		Updates(map[string]interface{}{
			"status":       models.NotificationStatusDelivered,
			"delivered_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimable
	}
	return nil
}

// MarkRead advances DELIVERED to READ from a channel read callback.
func (d *NotificationDispatcher) MarkRead(id uint) error {
	res := d.db.Model(&models.Notification{}).
		Where("id = ? AND status = ?", id, models.NotificationStatusDelivered).
		Updates(map[string]interface{}{
			"status":  models.NotificationStatusRead,
			"read_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimable
	}
	return nil
}

// Withdraw cancels a record that has not been handed to a transport yet.
// In-flight and delivered records are untouched: notifications are never
// recalled, only rejected at response time by the producer.
func (d *NotificationDispatcher) Withdraw(id uint, status models.NotificationStatus) error {
	if status != models.NotificationStatusCancelled && status != models.NotificationStatusExpired {
		return fmt.Errorf("%w: withdrawal status must be CANCELLED or EXPIRED", ErrInvalidInput)
	}
	res := d.db.Model(&models.Notification{}).
		Where("id = ? AND status IN ?", id, claimableStatuses).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimable
	}
	return nil
}

// WithdrawByAttribution cancels all still-pending records tied to an
// attribution, except those addressed to the given recipient. Used when an
// offer round closes: the winner keeps their confirmation, everyone else's
// undelivered offers are withdrawn.
func (d *NotificationDispatcher) WithdrawByAttribution(attributionID uint, kind string, exceptRecipientID uint) (int64, error) {
	res := d.db.Model(&models.Notification{}).
		Where("attribution_id = ? AND kind = ? AND recipient_id <> ? AND status IN ?",
			attributionID, kind, exceptRecipientID, claimableStatuses).
		Update("status", models.NotificationStatusCancelled)
	return res.RowsAffected, res.Error
}

// validateEnqueue rejects malformed external enqueue requests.
func validateEnqueue(req models.NotificationEnqueue) error {
	if req.RecipientID == 0 || strings.TrimSpace(req.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	if !req.Channel.IsValid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, req.Channel)
	}
	if strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.Body) == "" {
		return fmt.Errorf("%w: subject and body are required", ErrInvalidInput)
	}
	if req.Channel == models.ChannelEmail && !strings.Contains(req.Recipient, "@") {
		return fmt.Errorf("%w: recipient is not an email address", ErrInvalidInput)
	}
	return nil
}
