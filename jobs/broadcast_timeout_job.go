package jobs

import (
	"log"
	"time"

	"attribution-service-server/services"
)

// BroadcastTimeoutJob advances attributions that sat in a broadcast round past
// the configured window. The overdue decision is made from persisted
// timestamps inside the service, so multiple instances of this job can run
// side by side and survive restarts.
type BroadcastTimeoutJob struct {
	attributions *services.AttributionService
	interval     time.Duration
	stopChan     chan bool
}

// NewBroadcastTimeoutJob creates a new broadcast timeout job
func NewBroadcastTimeoutJob(attributions *services.AttributionService, interval time.Duration) *BroadcastTimeoutJob {
	return &BroadcastTimeoutJob{
		attributions: attributions,
		interval:     interval,
		stopChan:     make(chan bool),
	}
}

// Start begins the broadcast timeout job
func (j *BroadcastTimeoutJob) Start() {
	go j.run()
	log.Println("🚀 Broadcast timeout job started")
}

// Stop stops the broadcast timeout job
func (j *BroadcastTimeoutJob) Stop() {
	j.stopChan <- true
	log.Println("🛑 Broadcast timeout job stopped")
}

func (j *BroadcastTimeoutJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.attributions.CheckTimeouts()
		case <-j.stopChan:
			return
		}
	}
}
