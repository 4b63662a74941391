package audio

import (
	"context"
	"time"
)

// Pacer releases audio at playback speed. Wait blocks until the previous
// audio has had time to play, then books d more. If the writer fell behind
// by more than Slack, the schedule restarts from now instead of bursting.
type Pacer struct {
	Slack time.Duration

	next time.Time
	now  func() time.Time
}

func NewPacer(slack time.Duration) *Pacer {
	return &Pacer{Slack: slack, now: time.Now}
}

func (p *Pacer) Wait(ctx context.Context, d time.Duration) error {
	now := p.now()
	if p.next.Before(now.Add(-p.Slack)) {
		p.next = now
	}
	if wait := p.next.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.next = p.next.Add(d)
	return nil
}

// Reset forgets the schedule, so the next Wait returns immediately.
func (p *Pacer) Reset() {
	p.next = time.Time{}
}
