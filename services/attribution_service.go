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
	"attribution-service-server/utils"
)

// openStatuses are the states in which an attribution can still accept
// professional responses or escalate.
var openStatuses = []models.AttributionStatus{
	models.AttributionStatusBroadcasting,
	models.AttributionStatusReBroadcasting,
}

// AttributionService owns the booking→professional assignment state machine.
// All transitions are conditional writes against the current status, so any
// number of workers and API instances can drive the same attribution without
// lost updates; "first acceptance wins" is decided by the database, not by
// application reads.
type AttributionService struct {
	db         *gorm.DB
	matcher    *GeoMatcher
	dispatcher *NotificationDispatcher
	cfg        config.AttributionConfig
}

// NewAttributionService creates a new attribution coordinator.
func NewAttributionService(db *gorm.DB, matcher *GeoMatcher, dispatcher *NotificationDispatcher, cfg config.AttributionConfig) *AttributionService {
	return &AttributionService{
		db:         db,
		matcher:    matcher,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

// Start creates an attribution in BROADCASTING and fans the offer out to every
// eligible professional. An empty candidate set escalates immediately, up to
// the broadcast budget, then expires. The caller gets the attribution id
// synchronously; delivery of the offers proceeds asynchronously.
func (s *AttributionService) Start(req models.AttributionCreate) (*models.Attribution, error) {
	if req.LocationLat == nil || req.LocationLng == nil {
		return nil, fmt.Errorf("%w: coordinates are required", ErrInvalidInput)
	}
	if !utils.IsLocationValid(*req.LocationLat, *req.LocationLng) {
		return nil, fmt.Errorf("%w: invalid location coordinates", ErrInvalidInput)
	}

	radius := req.MaxDistanceKm
	if radius == 0 {
		radius = s.cfg.DefaultRadiusKm
	}
	if !utils.ValidateBroadcastRadius(radius, s.cfg.MaxRadiusKm) {
		return nil, fmt.Errorf("%w: broadcast radius must be in (0, %.0f] km", ErrInvalidInput, s.cfg.MaxRadiusKm)
	}

	var booking models.Booking
	if err := s.db.First(&booking, req.BookingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: booking %d", ErrNotFound, req.BookingID)
		}
		return nil, err
	}

	now := time.Now()
	attribution := &models.Attribution{
		BookingID:       req.BookingID,
		ServiceType:     req.ServiceType,
		Status:          models.AttributionStatusBroadcasting,
		LocationLat:     *req.LocationLat,
		LocationLng:     *req.LocationLng,
		MaxDistanceKm:   radius,
		BroadcastCount:  1,
		MaxBroadcasts:   s.cfg.MaxBroadcasts,
		LastBroadcastAt: &now,
	}
	if err := s.db.Create(attribution).Error; err != nil {
		return nil, err
	}

	count, err := s.broadcastRound(attribution, &booking)
	if err != nil {
		// The attribution exists; the timeout poller will pick it up.
		log.Printf("⚠️ Initial broadcast for attribution %d failed: %v", attribution.ID, err)
		return attribution, nil
	}
	if count == 0 {
		if err := s.escalateUntilCandidates(attribution, &booking); err != nil {
			log.Printf("⚠️ Escalation for attribution %d failed: %v", attribution.ID, err)
		}
	}
	return attribution, nil
}

// Accept resolves a professional acceptance. Exactly one conditional write
// may succeed per attribution; every later acceptance gets a conflict, and
// acceptances after cancellation or expiry are rejected with a closed reason.
func (s *AttributionService) Accept(attributionID, professionalID uint) (*models.Attribution, error) {
	attribution, err := s.load(attributionID)
	if err != nil {
		return nil, err
	}
	if !attribution.Status.IsOpen() {
		return attribution, ErrAttributionClosed
	}

	var professional models.Professional
	if err := s.db.First(&professional, professionalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: professional %d", ErrNotFound, professionalID)
		}
		return nil, err
	}

	distance := 0.0
	if professional.HasLocation() {
		distance = utils.HaversineDistance(
			attribution.LocationLat, attribution.LocationLng,
			*professional.CurrentLat, *professional.CurrentLng,
		)
	}

	response := models.AttributionResponse{
		AttributionID:  attributionID,
		ProfessionalID: professionalID,
		Decision:       "accept",
		DistanceKm:     distance,
		RespondedAt:    time.Now(),
	}
	if err := s.db.Create(&response).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return attribution, ErrAttributionConflict
		}
		return nil, err
	}

	// First committed acceptance wins: the write requires the slot to still
	// be empty. A plain read-modify-write here would lose updates under
	// concurrent acceptance.
	now := time.Now()
	res := s.db.Model(&models.Attribution{}).
		Where("id = ? AND status IN ? AND accepted_professional_id IS NULL", attributionID, openStatuses).
		Updates(map[string]interface{}{
			"status":                   models.AttributionStatusAccepted,
			"accepted_professional_id": professionalID,
			"accepted_at":              now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race, or the attribution closed in between.
		current, loadErr := s.load(attributionID)
		if loadErr != nil {
			return nil, loadErr
		}
		if !current.Status.IsOpen() && current.AcceptedProfessionalID == nil {
			return current, ErrAttributionClosed
		}
		return current, ErrAttributionConflict
	}

	s.db.Model(&models.AttributionResponse{}).
		Where("attribution_id = ? AND professional_id = ?", attributionID, professionalID).
		Update("accepted", true)

	attribution.Status = models.AttributionStatusAccepted
	attribution.AcceptedProfessionalID = &professionalID
	attribution.AcceptedAt = &now

	log.Printf("✅ Attribution %d accepted by professional %d (%.2f km)", attributionID, professionalID, distance)

	s.closeOfferRound(attribution, &professional)

	return attribution, nil
}

// Decline records a professional decline. Declines never change the
// attribution status; a repeated decision by the same professional is a
// conflict.
func (s *AttributionService) Decline(attributionID, professionalID uint) (*models.Attribution, error) {
	attribution, err := s.load(attributionID)
	if err != nil {
		return nil, err
	}
	if !attribution.Status.IsOpen() {
		return attribution, ErrAttributionClosed
	}

	response := models.AttributionResponse{
		AttributionID:  attributionID,
		ProfessionalID: professionalID,
		Decision:       "decline",
		RespondedAt:    time.Now(),
	}
	if err := s.db.Create(&response).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return attribution, ErrAttributionConflict
		}
		return nil, err
	}
	return attribution, nil
}

// HandleTimeout advances one overdue attribution: escalate the radius and
// re-broadcast while the budget allows, otherwise expire. The overdue check
// is recomputed from the persisted last_broadcast_at so it holds across
// process restarts and multiple worker instances.
func (s *AttributionService) HandleTimeout(attributionID uint) error {
	attribution, err := s.load(attributionID)
	if err != nil {
		return err
	}
	if !attribution.Status.IsOpen() {
		return nil
	}
	if attribution.LastBroadcastAt != nil && time.Since(*attribution.LastBroadcastAt) < s.cfg.BroadcastTimeout {
		return nil
	}

	var booking models.Booking
	if err := s.db.First(&booking, attribution.BookingID).Error; err != nil {
		return err
	}

	return s.escalateUntilCandidates(attribution, &booking)
}

// CheckTimeouts finds every open attribution past its broadcast window and
// advances it. A failure on one attribution never blocks the others.
func (s *AttributionService) CheckTimeouts() {
	cutoff := time.Now().Add(-s.cfg.BroadcastTimeout)

	var overdueIDs []uint
	err := s.db.Model(&models.Attribution{}).
		Where("status IN ? AND last_broadcast_at <= ?", openStatuses, cutoff).
		Pluck("id", &overdueIDs).Error
	if err != nil {
		log.Printf("❌ Timeout scan failed: %v", err)
		return
	}

	for _, id := range overdueIDs {
		if err := s.HandleTimeout(id); err != nil {
			log.Printf("❌ Timeout handling for attribution %d failed: %v", id, err)
		}
	}
}

// Cancel closes an attribution from any non-terminal state. Offers already
// handed to a transport are not recalled; pending ones are withdrawn, and any
// late response is rejected with a closed reason.
func (s *AttributionService) Cancel(attributionID uint) error {
	nonTerminal := []models.AttributionStatus{
		models.AttributionStatusBroadcasting,
		models.AttributionStatusReBroadcasting,
		models.AttributionStatusAccepted,
	}
	res := s.db.Model(&models.Attribution{}).
		Where("id = ? AND status IN ?", attributionID, nonTerminal).
		Updates(map[string]interface{}{
			"status":       models.AttributionStatusCancelled,
			"cancelled_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.load(attributionID); err != nil {
			return err
		}
		return ErrAttributionClosed
	}

	if n, err := s.dispatcher.WithdrawByAttribution(attributionID, models.NotificationKindOffer, 0); err != nil {
		log.Printf("⚠️ Failed to withdraw pending offers for attribution %d: %v", attributionID, err)
	} else if n > 0 {
		log.Printf("🚫 Withdrew %d pending offers for cancelled attribution %d", n, attributionID)
	}

	s.notifyCustomerCancelled(attributionID)
	return nil
}

// notifyCustomerCancelled confirms the cancellation to the customer. A missing
// booking only costs the notice, never the cancellation itself.
func (s *AttributionService) notifyCustomerCancelled(attributionID uint) {
	attribution, err := s.load(attributionID)
	if err != nil {
		log.Printf("⚠️ Failed to load attribution %d for cancellation notice: %v", attributionID, err)
		return
	}
	var booking models.Booking
	if err := s.db.First(&booking, attribution.BookingID).Error; err != nil {
		log.Printf("⚠️ Failed to load booking %d for cancellation notice: %v", attribution.BookingID, err)
		return
	}

	notice := &models.Notification{
		DedupeKey:     fmt.Sprintf("cancelled:%d", attribution.ID),
		RecipientID:   booking.CustomerID,
		Recipient:     booking.CustomerEmail,
		Channel:       models.ChannelEmail,
		Kind:          models.NotificationKindCancelled,
		Subject:       "Your professional search was cancelled",
		Body:          fmt.Sprintf("The search for a professional for your %s booking has been cancelled.", booking.ServiceType),
		AttributionID: &attribution.ID,
	}
	if err := s.dispatcher.EnqueueRecord(notice); err != nil {
		log.Printf("⚠️ Failed to enqueue cancellation notice for attribution %d: %v", attribution.ID, err)
	}
}

// Complete marks a delivered service. Only an ACCEPTED attribution can
// complete.
func (s *AttributionService) Complete(attributionID uint) error {
	res := s.db.Model(&models.Attribution{}).
		Where("id = ? AND status = ?", attributionID, models.AttributionStatusAccepted).
		Updates(map[string]interface{}{
			"status":       models.AttributionStatusCompleted,
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.load(attributionID); err != nil {
			return err
		}
		return ErrAttributionClosed
	}
	return nil
}

// Get returns an attribution by id.
func (s *AttributionService) Get(attributionID uint) (*models.Attribution, error) {
	return s.load(attributionID)
}

func (s *AttributionService) load(attributionID uint) (*models.Attribution, error) {
	var attribution models.Attribution
	if err := s.db.First(&attribution, attributionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: attribution %d", ErrNotFound, attributionID)
		}
		return nil, err
	}
	return &attribution, nil
}

// broadcastRound fans the offer out to the current candidate set. The dedupe
// key ties each offer to the attribution round, so re-running a round (crash,
// overlapping pollers) cannot double-notify a professional.
func (s *AttributionService) broadcastRound(attribution *models.Attribution, booking *models.Booking) (int, error) {
	origin := utils.Location{Latitude: attribution.LocationLat, Longitude: attribution.LocationLng}
	candidates, err := s.matcher.FindEligible(origin, attribution.MaxDistanceKm, attribution.ServiceType)
	if err != nil {
		return 0, err
	}

	log.Printf("📡 Broadcasting attribution %d (round %d, %.0f km): %d candidates",
		attribution.ID, attribution.BroadcastCount, attribution.MaxDistanceKm, len(candidates))

	for _, candidate := range candidates {
		data, _ := json.Marshal(map[string]interface{}{
			"attribution_id": attribution.ID,
			"booking_id":     booking.ID,
			"service_type":   attribution.ServiceType,
			"address":        booking.Address,
			"scheduled_date": booking.ScheduledDate,
			"amount":         booking.Amount,
			"distance_km":    candidate.DistanceKm,
		})
		notification := &models.Notification{
			DedupeKey:     fmt.Sprintf("offer:%d:%d:%d", attribution.ID, attribution.BroadcastCount, candidate.Professional.ID),
			RecipientID:   candidate.Professional.ID,
			Recipient:     candidate.Professional.Email,
			Channel:       models.ChannelPush,
			Kind:          models.NotificationKindOffer,
			Subject:       "New service offer nearby",
			Body:          fmt.Sprintf("A %s job %.1f km away is looking for a professional.", attribution.ServiceType, candidate.DistanceKm),
			Data:          string(data),
			AttributionID: &attribution.ID,
		}
		if err := s.dispatcher.EnqueueRecord(notification); err != nil {
			log.Printf("⚠️ Failed to enqueue offer to professional %d: %v", candidate.Professional.ID, err)
		}
	}
	return len(candidates), nil
}

// escalateUntilCandidates widens the radius round by round until a broadcast
// reaches at least one candidate or the budget is exhausted, in which case the
// attribution expires.
func (s *AttributionService) escalateUntilCandidates(attribution *models.Attribution, booking *models.Booking) error {
	for {
		if attribution.BroadcastCount >= attribution.MaxBroadcasts {
			return s.expire(attribution, booking)
		}
		if ok, err := s.escalateOnce(attribution); err != nil {
			return err
		} else if !ok {
			// Raced with an acceptance or cancellation; nothing to do.
			return nil
		}
		count, err := s.broadcastRound(attribution, booking)
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
	}
}

// escalateOnce performs the RE_BROADCASTING transition for the next round.
// The broadcast_count guard makes the escalation idempotent under overlapping
// pollers: only one of them advances the round.
func (s *AttributionService) escalateOnce(attribution *models.Attribution) (bool, error) {
	now := time.Now()
	newRadius := utils.EscalateRadius(attribution.MaxDistanceKm, s.cfg.EscalationFactor, s.cfg.MaxRadiusKm)

	res := s.db.Model(&models.Attribution{}).
		Where("id = ? AND status IN ? AND accepted_professional_id IS NULL AND broadcast_count = ?",
			attribution.ID, openStatuses, attribution.BroadcastCount).
		Updates(map[string]interface{}{
			"status":            models.AttributionStatusReBroadcasting,
			"broadcast_count":   gorm.Expr("broadcast_count + 1"),
			"max_distance_km":   newRadius,
			"last_broadcast_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	attribution.Status = models.AttributionStatusReBroadcasting
	attribution.BroadcastCount++
	attribution.MaxDistanceKm = newRadius
	attribution.LastBroadcastAt = &now

	log.Printf("📡 Attribution %d escalated to round %d/%d, radius %.0f km",
		attribution.ID, attribution.BroadcastCount, attribution.MaxBroadcasts, newRadius)
	return true, nil
}

// expire closes an attribution whose broadcast budget is exhausted and hands
// it to the manual-assignment collaborator through the ops mailbox. The
// failure is surfaced operationally, never back to the original caller.
func (s *AttributionService) expire(attribution *models.Attribution, booking *models.Booking) error {
	res := s.db.Model(&models.Attribution{}).
		Where("id = ? AND status IN ?", attribution.ID, openStatuses).
		Updates(map[string]interface{}{
			"status":     models.AttributionStatusExpired,
			"expired_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	attribution.Status = models.AttributionStatusExpired

	log.Printf("⏰ Attribution %d expired after %d broadcast rounds", attribution.ID, attribution.BroadcastCount)

	data, _ := json.Marshal(map[string]interface{}{
		"attribution_id": attribution.ID,
		"booking_id":     booking.ID,
		"service_type":   attribution.ServiceType,
		"rounds":         attribution.BroadcastCount,
		"final_radius":   attribution.MaxDistanceKm,
	})
	handoff := &models.Notification{
		DedupeKey:     fmt.Sprintf("manual-assign:%d", attribution.ID),
		RecipientID:   booking.CustomerID,
		Recipient:     s.cfg.OpsEmail,
		Channel:       models.ChannelEmail,
		Kind:          models.NotificationKindManualAssign,
		Subject:       fmt.Sprintf("Manual assignment required for booking %d", booking.ID),
		Body:          fmt.Sprintf("No professional accepted booking %d after %d broadcast rounds. Manual assignment needed.", booking.ID, attribution.BroadcastCount),
		Data:          string(data),
		AttributionID: &attribution.ID,
	}
	if err := s.dispatcher.EnqueueRecord(handoff); err != nil {
		log.Printf("⚠️ Failed to enqueue manual-assignment handoff for attribution %d: %v", attribution.ID, err)
	}

	// The customer hears about the expiry too, not just the ops mailbox.
	notice := &models.Notification{
		DedupeKey:     fmt.Sprintf("expired:%d", attribution.ID),
		RecipientID:   booking.CustomerID,
		Recipient:     booking.CustomerEmail,
		Channel:       models.ChannelEmail,
		Kind:          models.NotificationKindExpired,
		Subject:       "We are still looking for a professional",
		Body:          fmt.Sprintf("No professional has accepted your %s booking yet. Our team is now assigning one manually.", booking.ServiceType),
		AttributionID: &attribution.ID,
	}
	if err := s.dispatcher.EnqueueRecord(notice); err != nil {
		log.Printf("⚠️ Failed to enqueue expiry notice for attribution %d: %v", attribution.ID, err)
	}
	return nil
}

// closeOfferRound runs after a successful acceptance: confirm to the
// customer, withdraw offers that never left the queue, and tell the other
// professionals who already received the offer that it is closed.
func (s *AttributionService) closeOfferRound(attribution *models.Attribution, winner *models.Professional) {
	var booking models.Booking
	if err := s.db.First(&booking, attribution.BookingID).Error; err != nil {
		log.Printf("⚠️ Failed to load booking %d for confirmation: %v", attribution.BookingID, err)
		return
	}

	data, _ := json.Marshal(map[string]interface{}{
		"attribution_id":  attribution.ID,
		"booking_id":      booking.ID,
		"professional_id": winner.ID,
	})
	confirmation := &models.Notification{
		DedupeKey:     fmt.Sprintf("confirmation:%d", attribution.ID),
		RecipientID:   booking.CustomerID,
		Recipient:     booking.CustomerEmail,
		Channel:       models.ChannelEmail,
		Kind:          models.NotificationKindConfirmation,
		Subject:       "A professional accepted your booking",
		Body:          fmt.Sprintf("%s accepted your %s booking and will be in touch.", winner.FullName, booking.ServiceType),
		Data:          string(data),
		AttributionID: &attribution.ID,
	}
	if err := s.dispatcher.EnqueueRecord(confirmation); err != nil {
		log.Printf("⚠️ Failed to enqueue confirmation for attribution %d: %v", attribution.ID, err)
	}

	if _, err := s.dispatcher.WithdrawByAttribution(attribution.ID, models.NotificationKindOffer, winner.ID); err != nil {
		log.Printf("⚠️ Failed to withdraw pending offers for attribution %d: %v", attribution.ID, err)
	}

	// Only professionals whose offer actually reached them get a closed
	// notice; withdrawn offers were never seen.
	var notifiedIDs []uint
	err := s.db.Model(&models.Notification{}).
		Where("attribution_id = ? AND kind = ? AND recipient_id <> ? AND status IN ?",
			attribution.ID, models.NotificationKindOffer, winner.ID,
			[]models.NotificationStatus{
				models.NotificationStatusSent,
				models.NotificationStatusDelivered,
				models.NotificationStatusRead,
			}).
		Distinct().
		Pluck("recipient_id", &notifiedIDs).Error
	if err != nil {
		log.Printf("⚠️ Failed to list notified professionals for attribution %d: %v", attribution.ID, err)
		return
	}

	for _, professionalID := range notifiedIDs {
		closed := &models.Notification{
			DedupeKey:     fmt.Sprintf("offer-closed:%d:%d", attribution.ID, professionalID),
			RecipientID:   professionalID,
			Recipient:     fmt.Sprintf("professional:%d", professionalID),
			Channel:       models.ChannelPush,
			Kind:          models.NotificationKindOfferClosed,
			Subject:       "Offer no longer available",
			Body:          "Another professional accepted this job.",
			AttributionID: &attribution.ID,
		}
		if err := s.dispatcher.EnqueueRecord(closed); err != nil {
			log.Printf("⚠️ Failed to enqueue offer-closed notice to professional %d: %v", professionalID, err)
		}
	}
}
