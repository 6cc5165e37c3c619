package jobs

import (
	"context"
	"log"
	"time"

	"attribution-service-server/services"
)

// DispatchJob is the notification delivery worker: it polls the durable queue,
// claims due records and hands them to their channel adapters. Several
// dispatch jobs may poll the same table; the per-record conditional claim
// keeps them from double-sending.
type DispatchJob struct {
	dispatcher *services.NotificationDispatcher
	interval   time.Duration
	stopChan   chan bool
}

// NewDispatchJob creates a new dispatch job
func NewDispatchJob(dispatcher *services.NotificationDispatcher, interval time.Duration) *DispatchJob {
	return &DispatchJob{
		dispatcher: dispatcher,
		interval:   interval,
		stopChan:   make(chan bool),
	}
}

// Start begins the dispatch job
func (j *DispatchJob) Start() {
	go j.run()
	log.Println("🚀 Notification dispatch job started")
}

// Stop stops the dispatch job
func (j *DispatchJob) Stop() {
	j.stopChan <- true
	log.Println("🛑 Notification dispatch job stopped")
}

func (j *DispatchJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := j.dispatcher.RunOnce(context.Background()); n > 0 {
				log.Printf("📬 Dispatch pass processed %d notifications", n)
			}
		case <-j.stopChan:
			return
		}
	}
}
