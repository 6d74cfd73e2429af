package workout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/claude/liftsync/internal/clock"
	"github.com/claude/liftsync/internal/models"
)

// DefaultCompletionThreshold is the share of the swipe travel that commits a
// completion.
const DefaultCompletionThreshold = 0.6

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Clock               clock.Clock
	Logger              *slog.Logger
	CompletionThreshold float64
	TickInterval        time.Duration
	Animation           AnimationTimings
	// OnSignal receives notifications for the UI layer. It is called without
	// the engine lock held and must not block for long.
	OnSignal func(Signal)
	// NewID generates row ids for on-demand sets.
	NewID func() string
}

// Engine runs one workout session on one device.
type Engine struct {
	gw        Gateway
	ids       IdentityResolver
	clock     clock.Clock
	log       *slog.Logger
	threshold float64
	tick      time.Duration
	onSignal  func(Signal)
	newID     func() string

	mu           sync.Mutex
	phase        Phase
	transition   bool   // pause/resume write in flight
	loadGen      uint64 // bumped by every load and reset
	tree         *tree
	acting       string
	focus        string
	focusDirty   bool // focus changed by an origin that persists it
	pendingFocus *string
	interacting  int
	completed    map[string]struct{} // sets completed by this process
	anims        *animations
	stopTick     func()
	sub          *subscription

	// writing counts in-flight writes per key (set, exercise or session
	// id); inflight is their sum. drained is signalled under mu.
	writing  map[string]int
	inflight int
	drained  *sync.Cond

	stampMu   sync.Mutex
	lastStamp time.Time

	tasks   sync.WaitGroup // every background goroutine, writes included
	running atomic.Int64
}

// New creates an Engine with no session.
func New(gw Gateway, ids IdentityResolver, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CompletionThreshold <= 0 || opts.CompletionThreshold > 1 {
		opts.CompletionThreshold = DefaultCompletionThreshold
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Animation == (AnimationTimings{}) {
		opts.Animation = DefaultAnimationTimings
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	e := &Engine{
		gw:        gw,
		ids:       ids,
		clock:     opts.Clock,
		log:       opts.Logger,
		threshold: opts.CompletionThreshold,
		tick:      opts.TickInterval,
		onSignal:  opts.OnSignal,
		newID:     opts.NewID,
		phase:     PhaseNone,
		completed: make(map[string]struct{}),
		anims:     newAnimations(opts.Animation),
		writing:   make(map[string]int),
	}
	e.drained = sync.NewCond(&e.mu)
	return e
}

// now is the timestamp written to rows. Stores keep microseconds, and
// successive stamps from one engine are strictly increasing so that its own
// writes never tie under last-write-wins.
func (e *Engine) now() time.Time {
	t := e.clock.Now().UTC().Truncate(time.Microsecond)
	e.stampMu.Lock()
	defer e.stampMu.Unlock()
	if !t.After(e.lastStamp) {
		t = e.lastStamp.Add(time.Microsecond)
	}
	e.lastStamp = t
	return t
}

func (e *Engine) emit(sigs ...Signal) {
	if e.onSignal == nil {
		return
	}
	for _, s := range sigs {
		if s != nil {
			e.onSignal(s)
		}
	}
}

// goTask runs f in the background and tracks it for Settle.
func (e *Engine) goTask(f func()) {
	e.tasks.Add(1)
	e.running.Add(1)
	go func() {
		defer e.tasks.Done()
		defer e.running.Add(-1)
		f()
	}()
}

func (e *Engine) beginWriteLocked(key string) {
	e.writing[key]++
	e.inflight++
}

func (e *Engine) endWriteLocked(key string) {
	if e.writing[key]--; e.writing[key] <= 0 {
		delete(e.writing, key)
	}
	e.inflight--
	e.drained.Broadcast()
}

// waitWritesLocked blocks until no write for key is in flight, or no write
// at all when key is empty. The lock is released while waiting.
func (e *Engine) waitWritesLocked(key string) {
	for (key == "" && e.inflight > 0) || (key != "" && e.writing[key] > 0) {
		e.drained.Wait()
	}
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(now)
}

// Phase returns the lifecycle state.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// IsActive reports whether a session is running, paused or not.
func (e *Engine) IsActive() bool {
	p := e.Phase()
	return p == PhaseActive || p == PhasePaused || p == PhaseEnding
}

// IsPaused reports whether the running session is paused.
func (e *Engine) IsPaused() bool {
	return e.Phase() == PhasePaused
}

// SessionID returns the id of the loaded session, or "".
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tree == nil {
		return ""
	}
	return e.tree.session.ID
}

// ElapsedSeconds is recomputed from the session timestamps on every call.
func (e *Engine) ElapsedSeconds() int64 {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tree == nil {
		return 0
	}
	return int64(e.tree.session.Elapsed(now) / time.Second)
}

// Progress counts total and completed visible sets.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tree == nil {
		return Progress{}
	}
	return e.tree.progress()
}

// CurrentFocus returns the focused exercise id, or "".
func (e *Engine) CurrentFocus() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focus
}

// CompletedLocally reports whether setID is in the manual completion cache.
func (e *Engine) CompletedLocally(setID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.completed[setID]
	return ok
}

// Settle waits until background writes, the feed inbox and follow-up work
// such as an automatic end have finished.
func (e *Engine) Settle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			e.tasks.Wait()
			if q := e.currentInbox(); q != nil {
				q.waitIdle()
			}
			q := e.currentInbox()
			if e.running.Load() == 0 && (q == nil || q.quiet()) {
				return
			}
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close tears down the subscription and timers. The engine keeps its last
// snapshot.
func (e *Engine) Close() {
	e.mu.Lock()
	e.detachLocked()
	e.stopTickLocked()
	e.anims.cancelAll()
	e.mu.Unlock()
}

// resetLocked drops every piece of session state.
func (e *Engine) resetLocked() {
	e.detachLocked()
	e.stopTickLocked()
	e.anims.cancelAll()
	e.tree = nil
	e.focus = ""
	e.focusDirty = false
	e.pendingFocus = nil
	e.completed = make(map[string]struct{})
	e.phase = PhaseNone
	e.transition = false
	e.loadGen++
}

// installLocked replaces the tree with a fetched one, derives the phase,
// restores focus and starts the clock. The subscription is left to the
// caller. The manual completion cache keeps
// entries for sets that are still complete.
func (e *Engine) installLocked(st *models.SessionTree, origin Origin) []Signal {
	e.anims.cancelAll()
	e.tree = newTree(*st)
	e.pendingFocus = nil

	kept := make(map[string]struct{})
	for id := range e.completed {
		if n, i := e.tree.findSet(id); n != nil && n.sets[i].Complete() {
			kept[id] = struct{}{}
		}
	}
	e.completed = kept

	e.phase = phaseOf(e.tree.session)
	e.syncTickLocked()

	sigs := []Signal{SessionStarted{SessionID: st.Session.ID, Origin: origin}}
	if sig := e.restoreFocusLocked(); sig != nil {
		sigs = append(sigs, sig)
	}
	return sigs
}

func phaseOf(s models.WorkoutSession) Phase {
	switch {
	case !s.IsActive:
		return PhaseEnded
	case s.IsPaused:
		return PhasePaused
	default:
		return PhaseActive
	}
}
