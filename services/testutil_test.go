package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"attribution-service-server/config"
	"attribution-service-server/models"
)

// newTestDB opens an in-memory sqlite database with the full schema. A single
// connection keeps sqlite happy under the concurrent conditional-write tests;
// the writes themselves stay atomic regardless of pool size.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.Booking{},
		&models.Professional{},
		&models.Attribution{},
		&models.AttributionResponse{},
		&models.Notification{},
		&models.ScheduledReminder{},
	); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func testDispatcherConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		MaxAttempts:       3,
		BackoffBase:       30 * time.Second,
		BackoffCap:        15 * time.Minute,
		BatchSize:         25,
		AdapterTimeout:    5 * time.Second,
		VisibilityTimeout: 5 * time.Minute,
	}
}

func testAttributionConfig() config.AttributionConfig {
	return config.AttributionConfig{
		DefaultRadiusKm:  50,
		MaxRadiusKm:      200,
		EscalationFactor: 2.0,
		MaxBroadcasts:    3,
		BroadcastTimeout: 3 * time.Minute,
		OpsEmail:         "ops@example.com",
	}
}

func testReminderConfig() config.ReminderConfig {
	return config.ReminderConfig{
		PollInterval:  time.Minute,
		MaxAttempts:   3,
		RetryInterval: 5 * time.Minute,
	}
}

// stubAdapter records sends and can be told to fail the first n attempts.
type stubAdapter struct {
	channel models.NotificationChannel

	mu      sync.Mutex
	sentIDs []uint
	fail    int
}

func (a *stubAdapter) Channel() models.NotificationChannel { return a.channel }

func (a *stubAdapter) Send(ctx context.Context, n *models.Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail > 0 {
		a.fail--
		return errors.New("transport unavailable")
	}
	a.sentIDs = append(a.sentIDs, n.ID)
	return nil
}

func (a *stubAdapter) sent() []uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint, len(a.sentIDs))
	copy(out, a.sentIDs)
	return out
}

// newTestDispatcher wires a dispatcher with stub adapters on every channel.
func newTestDispatcher(t *testing.T, db *gorm.DB) (*NotificationDispatcher, map[models.NotificationChannel]*stubAdapter) {
	t.Helper()

	d := NewNotificationDispatcher(db, testDispatcherConfig(), nil)
	stubs := make(map[models.NotificationChannel]*stubAdapter)
	for _, channel := range []models.NotificationChannel{models.ChannelEmail, models.ChannelSMS, models.ChannelPush} {
		stub := &stubAdapter{channel: channel}
		stubs[channel] = stub
		d.RegisterAdapter(stub)
	}
	return d, stubs
}

func seedBooking(t *testing.T, db *gorm.DB) *models.Booking {
	t.Helper()

	lat, lng := 48.8606, 2.3372
	booking := &models.Booking{
		CustomerID:    101,
		CustomerName:  "Marie Lefevre",
		CustomerEmail: "marie.lefevre@example.com",
		ServiceType:   "cleaning",
		Address:       "12 Rue de Rivoli, Paris",
		LocationLat:   &lat,
		LocationLng:   &lng,
		ScheduledDate: time.Now().Add(48 * time.Hour),
		Amount:        120,
	}
	if err := db.Create(booking).Error; err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	return booking
}

func seedProfessional(t *testing.T, db *gorm.DB, id uint, lat, lng float64, serviceTypes string, available bool) *models.Professional {
	t.Helper()

	now := time.Now()
	professional := &models.Professional{
		ID:                 id,
		FullName:           "Test Professional",
		Email:              "pro@example.com",
		PhoneNumber:        "+33600000000",
		ServiceTypes:       serviceTypes,
		IsAvailable:        available,
		IsVerified:         true,
		CurrentLat:         &lat,
		CurrentLng:         &lng,
		LastLocationUpdate: &now,
	}
	if err := db.Create(professional).Error; err != nil {
		t.Fatalf("seed professional %d: %v", id, err)
	}
	return professional
}
