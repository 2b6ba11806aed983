package telemetry

import (
	"context"
	"errors"
	"log"
	"time"

	"chargectl/internal/charger"
)

// Source is satisfied by *charger.Controller.
type Source interface {
	Snapshot() charger.Snapshot
}

// Reporter polls a Source and publishes its status every interval, plus an
// event for every phase change or retry observed between polls.
type Reporter struct {
	src      Source
	pub      Publisher
	interval time.Duration

	last charger.Snapshot
	seen bool
}

func NewReporter(src Source, pub Publisher, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{src: src, pub: pub, interval: interval}
}

// Poll publishes the current status and any events since the previous poll.
func (r *Reporter) Poll() error {
	cur := r.src.Snapshot()
	var errs []error
	for _, e := range r.events(cur) {
		if err := r.pub.PublishEvent(e); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.pub.PublishStatus(cur); err != nil {
		errs = append(errs, err)
	}
	r.last = cur
	r.seen = true
	return errors.Join(errs...)
}

func (r *Reporter) events(cur charger.Snapshot) []Event {
	prev := r.last
	if !r.seen {
		prev = charger.Snapshot{Phase: charger.PhaseInit}
	}
	var out []Event
	if cur.Retries > prev.Retries {
		out = append(out, Event{
			Timestamp: cur.UpdatedAt,
			Type:      EventRetry,
			Phase:     cur.Phase,
			Fault:     cur.LastFault,
			Detail:    cur.FaultDetail,
			Retries:   cur.Retries,
		})
	}
	if cur.Phase != prev.Phase {
		e := Event{
			Timestamp: cur.UpdatedAt,
			Type:      EventPhase,
			Phase:     cur.Phase,
			Previous:  prev.Phase,
			Retries:   cur.Retries,
		}
		switch cur.Phase {
		case charger.PhaseCharged:
			e.Type = EventCharged
		case charger.PhaseFaulted:
			e.Type = EventFault
			e.Fault = cur.LastFault
			e.Detail = cur.FaultDetail
		}
		out = append(out, e)
	}
	return out
}

// Run polls until ctx is canceled, then publishes one final status so the
// retained message reflects how the charger stopped.
func (r *Reporter) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Poll(); err != nil {
				log.Printf("telemetry: final publish: %v", err)
			}
			return
		case <-t.C:
			if err := r.Poll(); err != nil {
				log.Printf("telemetry: %v", err)
			}
		}
	}
}
