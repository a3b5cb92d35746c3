// Package countdown drives the reveal dwell timer: five seconds of answer
// display, then the turn-advance transition, exactly once per reveal.
package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jqwei/truthordare/go/internal/models"
	"github.com/rs/zerolog/log"
)

// DefaultSeconds is the reveal dwell time.
const DefaultSeconds = 5

// Expire performs the revealing -> choosing transition when the countdown
// reaches zero. It must be idempotent: several clients' countdowns expire
// near-simultaneously and all of them fire.
type Expire func(ctx context.Context) error

// Tick receives the remaining seconds for display, starting at the full
// value and ending at zero.
type Tick func(remaining int)

// Controller owns at most one running countdown. Observe feeds it stage
// changes: entering revealing starts the countdown, leaving revealing
// before expiry cancels it without firing. Re-entering revealing restarts
// from the full value. Cancellation is synchronous: by the time Observe or
// Stop returns, the old goroutine has unwound, so an immediate restart
// always holds the one live cancel handle.
type Controller struct {
	clock   clockwork.Clock
	seconds int
	expire  Expire
	onTick  Tick

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	lastStage models.Stage
}

// NewController creates a controller. onTick may be nil.
func NewController(clock clockwork.Clock, expire Expire, onTick Tick) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Controller{
		clock:   clock,
		seconds: DefaultSeconds,
		expire:  expire,
		onTick:  onTick,
	}
}

// Observe reacts to the latest synchronized stage. Safe to call on every
// snapshot update; redundant observations of the same stage are no-ops.
func (c *Controller) Observe(ctx context.Context, stage models.Stage) {
	c.mu.Lock()

	entering := stage == models.StageRevealing && c.lastStage != models.StageRevealing
	c.lastStage = stage

	if stage != models.StageRevealing {
		// Another client may have advanced the cycle already; a countdown
		// left running would fire a stale transition.
		cancel, done := c.cancel, c.done
		c.cancel, c.done = nil, nil
		c.mu.Unlock()
		stopRun(cancel, done)
		return
	}

	// Only the transition into revealing starts a countdown; repeat
	// snapshots of the same reveal (or one that already expired here)
	// must not restart it.
	if !entering {
		c.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	go c.run(runCtx, done)
}

// Stop cancels any running countdown, e.g. on session teardown. It returns
// once the countdown goroutine has unwound.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	stopRun(cancel, done)
}

func stopRun(cancel context.CancelFunc, done chan struct{}) {
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if c.onTick != nil {
		c.onTick(c.seconds)
	}

	timer := c.clock.NewTimer(time.Second)
	defer timer.Stop()

	for remaining := c.seconds; remaining > 0; remaining-- {
		select {
		case <-ctx.Done():
			log.Debug().Msg("countdown cancelled")
			return
		case <-timer.Chan():
		}
		// A tick and the cancellation can be ready in the same instant; a
		// cancelled countdown must neither tick on nor fire.
		if ctx.Err() != nil {
			log.Debug().Msg("countdown cancelled")
			return
		}

		if c.onTick != nil {
			c.onTick(remaining - 1)
		}
		if remaining-1 > 0 {
			timer.Reset(time.Second)
		}
	}

	if err := c.expire(ctx); err != nil {
		log.Error().Err(err).Msg("countdown expiry transition failed")
	}
}
