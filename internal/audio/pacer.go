package audio

import (
	"context"
	"time"
)

// SendFunc delivers one packet to the caller's transport.
type SendFunc func(Packet) error

// Pacer writes packets at real-time rate. It schedules each send against a
// running deadline rather than sleeping a fixed amount, so transport latency
// does not accumulate as drift.
type Pacer struct {
	// Lead lets the first packets go out ahead of real time to prime the
	// far-end jitter buffer.
	Lead time.Duration

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func NewPacer(lead time.Duration) *Pacer {
	return &Pacer{Lead: lead, now: time.Now, sleep: sleepCtx}
}

// Play sends every packet in order, waiting between packets so the stream
// plays back at its natural duration. It stops at the first send error or
// when ctx is done.
func (p *Pacer) Play(ctx context.Context, packets []Packet, send SendFunc) error {
	if len(packets) == 0 {
		return nil
	}
	start := p.now()
	var elapsed time.Duration
	for _, pkt := range packets {
		if err := ctx.Err(); err != nil {
			return err
		}
		due := start.Add(elapsed - p.Lead)
		if wait := due.Sub(p.now()); wait > 0 {
			if err := p.sleep(ctx, wait); err != nil {
				return err
			}
		}
		if err := send(pkt); err != nil {
			return err
		}
		elapsed += pkt.Duration
	}
	// Block until the tail has played out so callers can sequence phrases.
	if wait := start.Add(elapsed - p.Lead).Sub(p.now()); wait > 0 {
		return p.sleep(ctx, wait)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
