// Package admission implements the single-inflight frame throttle that sits
// between the capture stream and the inference engine.
//
// The throttle is a three-phase state machine:
//
//	Idle --Offer--> InFlight --Complete--> Cooldown --(cooldown elapses)--> Idle
//	                   |
//	                   +------Fail-------> Idle
//
// Frames offered in any phase other than Idle are dropped. Cooldown expiry is
// evaluated against the clock whenever the state is read or a frame is offered,
// so no timer goroutine is needed and Idle is never observable early.
package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/ayusman/framelens/internal/logger"
)

// ErrProtocolViolation is returned when a result is delivered for a frame that
// is not the one in flight.
var ErrProtocolViolation = errors.New("admission protocol violation")

// Phase is the admission state.
type Phase int

const (
	Idle Phase = iota
	InFlight
	Cooldown
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case InFlight:
		return "in_flight"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Decision is the outcome of offering a frame.
type Decision int

const (
	Dropped Decision = iota
	Admitted
)

// String returns the decision name.
func (d Decision) String() string {
	if d == Admitted {
		return "admitted"
	}
	return "dropped"
}

// State is a snapshot of the admission state machine.
type State struct {
	Phase     Phase     `json:"phase"`
	FrameID   uint64    `json:"frame_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Until     time.Time `json:"until,omitempty"`
}

// Stats counts admission outcomes over the lifetime of the throttle.
type Stats struct {
	Offered    uint64 `json:"offered"`
	Admitted   uint64 `json:"admitted"`
	Dropped    uint64 `json:"dropped"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Violations uint64 `json:"violations"`
}

// Admission admits at most one frame at a time and enforces a cooldown after
// each delivered result. All methods are safe for concurrent use and never block
// beyond a short critical section.
type Admission struct {
	clock    clock.Clock
	cooldown time.Duration
	log      zerolog.Logger

	mu    sync.Mutex
	state State
	stats Stats
}

// New creates an Admission in the Idle phase. A nil clock uses the wall clock.
// A non-positive cooldown returns straight to Idle after each result.
func New(cooldown time.Duration, c clock.Clock) *Admission {
	if c == nil {
		c = clock.New()
	}
	if cooldown < 0 {
		cooldown = 0
	}
	return &Admission{
		clock:    c,
		cooldown: cooldown,
		log:      logger.For("Admission"),
	}
}

// Cooldown returns the configured cooldown duration.
func (a *Admission) Cooldown() time.Duration {
	return a.cooldown
}

// Offer decides whether frameID may be forwarded to the inference engine.
// On Admitted the caller owns the in-flight slot until Complete or Fail.
// On Dropped the state is left untouched.
func (a *Admission) Offer(frameID uint64) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	a.expireLocked(now)
	a.stats.Offered++

	if a.state.Phase != Idle {
		a.stats.Dropped++
		return Dropped
	}

	a.state = State{Phase: InFlight, FrameID: frameID, StartedAt: now}
	a.stats.Admitted++
	return Admitted
}

// Complete records delivery of the result for frameID and starts the cooldown.
// A result for any frame other than the one in flight is a protocol violation:
// it is logged, counted and returned as ErrProtocolViolation without changing state.
func (a *Admission) Complete(frameID uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkInFlightLocked(frameID, "complete"); err != nil {
		return err
	}

	now := a.clock.Now()
	a.stats.Completed++
	if a.cooldown <= 0 {
		a.state = State{Phase: Idle}
		return nil
	}

	a.state = State{Phase: Cooldown, FrameID: frameID, Until: now.Add(a.cooldown)}
	return nil
}

// Fail records that the cycle for frameID produced no usable result. The
// throttle returns to Idle immediately, without a cooldown.
func (a *Admission) Fail(frameID uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkInFlightLocked(frameID, "fail"); err != nil {
		return err
	}

	a.stats.Failed++
	a.state = State{Phase: Idle}
	return nil
}

// State returns the current state, resolving an elapsed cooldown to Idle.
func (a *Admission) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expireLocked(a.clock.Now())
	return a.state
}

// Stats returns a snapshot of the counters.
func (a *Admission) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Admission) checkInFlightLocked(frameID uint64, op string) error {
	if a.state.Phase == InFlight && a.state.FrameID == frameID {
		return nil
	}

	a.stats.Violations++
	a.log.Warn().
		Str("op", op).
		Uint64("frame_id", frameID).
		Str("phase", a.state.Phase.String()).
		Uint64("in_flight_id", a.state.FrameID).
		Msg("result does not match the in-flight frame, discarding")

	return fmt.Errorf("%w: %s for frame %d while %s", ErrProtocolViolation, op, frameID, a.state.Phase)
}

func (a *Admission) expireLocked(now time.Time) {
	if a.state.Phase == Cooldown && !now.Before(a.state.Until) {
		a.state = State{Phase: Idle}
	}
}
