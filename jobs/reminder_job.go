package jobs

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"attribution-service-server/services"
)

// ReminderJob drives the reminder scheduler on a cron cadence. The poll is
// safe to overlap: claims are conditional writes, so two ticks (or two
// instances) racing on the same due reminder produce one handoff.
type ReminderJob struct {
	reminders *services.ReminderService
	interval  time.Duration
	cron      *cron.Cron
}

// NewReminderJob creates a new reminder job
func NewReminderJob(reminders *services.ReminderService, interval time.Duration) *ReminderJob {
	return &ReminderJob{
		reminders: reminders,
		interval:  interval,
		cron:      cron.New(),
	}
}

// Start begins the reminder job
func (j *ReminderJob) Start() error {
	spec := fmt.Sprintf("@every %s", j.interval)
	if _, err := j.cron.AddFunc(spec, func() {
		if n := j.reminders.RunOnce(); n > 0 {
			log.Printf("⏰ Reminder pass handed off %d reminders", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reminder poll: %w", err)
	}
	j.cron.Start()
	log.Println("🚀 Reminder job started")
	return nil
}

// Stop stops the reminder job
func (j *ReminderJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	log.Println("🛑 Reminder job stopped")
}
