package stream

import (
	"sync"
	"time"
)

// SchedulerOptions configures a FallbackPollingScheduler.
type SchedulerOptions struct {
	// PollOnStart makes the scheduler poll immediately on creation.
	PollOnStart bool
	// MinPollDelay is the minimum delay between poll runs.
	MinPollDelay time.Duration
	// PollingStartDelay is how long after a socket disconnect (and at the
	// very beginning, until the socket connects) polling starts.
	// Zero means the same as PollingPeriod.
	PollingStartDelay time.Duration
	// PollingPeriod is the polling period while the socket is disconnected.
	PollingPeriod time.Duration
	// ForcedPollingPeriod is the polling period while the socket is connected
	// but silent.
	ForcedPollingPeriod time.Duration
}

// FallbackPollingScheduler schedules regular polling when the socket is
// disconnected, and occasional forced polling when it is connected but quiet.
// The poll function never runs concurrently with itself, and consecutive runs
// are at least MinPollDelay apart.
type FallbackPollingScheduler struct {
	poll func()
	opts SchedulerOptions

	mu         sync.Mutex
	generation int
	timer      *time.Timer
	destroyed  bool

	trigger chan struct{}
	done    chan struct{}
}

// NewFallbackPollingScheduler creates a scheduler around poll.
// isSocketConnected selects the initial polling cadence.
func NewFallbackPollingScheduler(poll func(), isSocketConnected bool, opts SchedulerOptions) *FallbackPollingScheduler {
	s := &FallbackPollingScheduler{
		poll:    poll,
		opts:    opts,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	go s.run()
	s.schedule(isSocketConnected)

	if opts.PollOnStart {
		s.requestPoll()
	}
	return s
}

// OnSocketConnect must be called when the socket source of data becomes
// available. It switches to the forced cadence and polls right away.
func (s *FallbackPollingScheduler) OnSocketConnect() {
	if s.isDestroyed() {
		return
	}
	s.schedule(true)
	s.requestPoll()
}

// OnSocketDisconnect must be called when the socket source of data becomes
// unavailable.
func (s *FallbackPollingScheduler) OnSocketDisconnect() {
	if s.isDestroyed() {
		return
	}
	s.schedule(false)
}

// OnSocketMessage must be called whenever the socket shows it is alive; it
// pushes the next forced poll further away.
func (s *FallbackPollingScheduler) OnSocketMessage() {
	if s.isDestroyed() {
		return
	}
	s.schedule(true)
}

// Destroy stops all timers and the poll worker. Idempotent.
func (s *FallbackPollingScheduler) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	close(s.done)
}

func (s *FallbackPollingScheduler) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// requestPoll asks for a poll run. Requests arriving while a run is in
// progress or cooling down coalesce into a single pending run.
func (s *FallbackPollingScheduler) requestPoll() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *FallbackPollingScheduler) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.trigger:
		}

		s.poll()

		select {
		case <-s.done:
			return
		case <-time.After(s.opts.MinPollDelay):
		}
	}
}

// schedule restarts the periodic poll chain with the cadence matching the
// socket state.
func (s *FallbackPollingScheduler) schedule(isSocketConnected bool) {
	first := s.opts.ForcedPollingPeriod
	next := s.opts.ForcedPollingPeriod
	if !isSocketConnected {
		first = s.opts.PollingStartDelay
		if first == 0 {
			first = s.opts.PollingPeriod
		}
		next = s.opts.PollingPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}

	s.generation++
	gen := s.generation

	var arm func(d time.Duration)
	arm = func(d time.Duration) {
		s.timer = time.AfterFunc(d, func() {
			s.mu.Lock()
			if s.destroyed || gen != s.generation {
				s.mu.Unlock()
				return
			}
			arm(next)
			s.mu.Unlock()
			s.requestPoll()
		})
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	arm(first)
}
