package auth

import (
	"context"
	"time"
)

// RefreshFunc receives the freshly re-authenticated Identity so the caller
// can atomically swap it into its own registry.
type RefreshFunc func(Identity)

// ScheduleRefresh starts a goroutine that re-runs Authenticate one hour
// before id.NotAfter (or one hour from now, whichever is later), invokes
// onRefresh with the result, and reschedules itself from the new identity's
// NotAfter. It returns immediately; the goroutine exits when ctx is
// cancelled.
func (p *Pipeline) ScheduleRefresh(ctx context.Context, id Identity, onRefresh RefreshFunc) {
	go p.refreshLoop(ctx, id, onRefresh)
}

func (p *Pipeline) refreshLoop(ctx context.Context, id Identity, onRefresh RefreshFunc) {
	for {
		wait := refreshDelay(id.NotAfter, time.Now())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := p.Authenticate(ctx, id.Email)
		if err != nil {
			p.Logger.Error().Err(err).Str("email", id.Email).Msg("proactive refresh failed")
			if _, permanent := err.(*PermanentAuthFailure); permanent {
				return
			}
			// Back off a bounded amount before trying the refresh cycle
			// again rather than hot-looping against a down service.
			id.NotAfter = time.Now().Add(p.RetryCap)
			continue
		}

		onRefresh(next)
		id = next
	}
}

// refreshDelay computes the proactive refresh timer duration named in §4.2:
// one hour before notAfter, or one hour from now, whichever is later.
func refreshDelay(notAfter, now time.Time) time.Duration {
	oneHourBefore := notAfter.Add(-time.Hour)
	oneHourFromNow := now.Add(time.Hour)

	target := oneHourBefore
	if oneHourFromNow.After(target) {
		target = oneHourFromNow
	}

	d := target.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}
