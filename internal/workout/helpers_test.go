package workout_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/claude/liftsync/internal/changefeed"
	"github.com/claude/liftsync/internal/clock"
	"github.com/claude/liftsync/internal/localstore"
	"github.com/claude/liftsync/internal/models"
	"github.com/claude/liftsync/internal/workout"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// harness is a shared store and clock with any number of devices attached.
type harness struct {
	t       *testing.T
	clock   *clock.Fake
	broker  *changefeed.Broker
	store   *localstore.Store
	devices []*device
}

type device struct {
	*workout.Engine
	gw   *flakyGateway
	sigs *signalLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	broker := changefeed.NewBroker(nil)
	store, err := localstore.Open(filepath.Join(t.TempDir(), "liftsync.db"), broker, nil)
	require.NoError(t, err)
	h := &harness{t: t, clock: clock.NewFake(t0), broker: broker, store: store}
	t.Cleanup(func() {
		for _, d := range h.devices {
			d.Close()
		}
		store.Close()
	})
	return h
}

// device attaches a new engine signed in as account, acting for acting.
func (h *harness) device(account, acting string) *device {
	ids := workout.StaticIdentity{
		Authenticated: &models.Identity{AccountID: account},
		Acting:        models.Identity{AccountID: acting},
	}
	return h.deviceWith(ids)
}

func (h *harness) deviceWith(ids workout.IdentityResolver) *device {
	gw := &flakyGateway{Gateway: h.store, calls: make(map[string]int)}
	sigs := &signalLog{}
	eng := workout.New(gw, ids, workout.Options{
		Clock:    h.clock,
		OnSignal: sigs.add,
	})
	d := &device{Engine: eng, gw: gw, sigs: sigs}
	h.devices = append(h.devices, d)
	return d
}

// settle drains every device until none has work left.
func (h *harness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range 2 {
		for _, d := range h.devices {
			require.NoError(h.t, d.Settle(ctx))
		}
	}
}

// advance moves the clock and lets the resulting work finish.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.settle()
}

type signalLog struct {
	mu   sync.Mutex
	sigs []workout.Signal
}

func (l *signalLog) add(s workout.Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sigs = append(l.sigs, s)
}

func (l *signalLog) all() []workout.Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]workout.Signal(nil), l.sigs...)
}

func (l *signalLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sigs = nil
}

func signalsOf[T workout.Signal](l *signalLog) []T {
	var out []T
	for _, s := range l.all() {
		if v, ok := s.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func animationsFor(l *signalLog, setID string, trigger workout.Trigger) []workout.AnimationStep {
	var out []workout.AnimationStep
	for _, s := range signalsOf[workout.AnimationStep](l) {
		if s.SetID == setID && s.Trigger == trigger {
			out = append(out, s)
		}
	}
	return out
}

// flakyGateway wraps a real gateway with switchable failures and call
// counts.
type flakyGateway struct {
	workout.Gateway

	mu                sync.Mutex
	failUpdateSet     error
	failInsertSet     error
	failUpdateSession error
	failDeleteSet     error
	calls             map[string]int
}

func (g *flakyGateway) count(name string) {
	g.mu.Lock()
	g.calls[name]++
	g.mu.Unlock()
}

func (g *flakyGateway) callCount(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[name]
}

func (g *flakyGateway) fail(target *error, err error) {
	g.mu.Lock()
	*target = err
	g.mu.Unlock()
}

func (g *flakyGateway) failure(target *error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *target
}

func (g *flakyGateway) UpdateSet(ctx context.Context, id string, p models.SetPatch) error {
	g.count("UpdateSet")
	if err := g.failure(&g.failUpdateSet); err != nil {
		return err
	}
	return g.Gateway.UpdateSet(ctx, id, p)
}

func (g *flakyGateway) InsertSet(ctx context.Context, s models.SetInstance) (models.SetInstance, error) {
	g.count("InsertSet")
	if err := g.failure(&g.failInsertSet); err != nil {
		return models.SetInstance{}, err
	}
	return g.Gateway.InsertSet(ctx, s)
}

func (g *flakyGateway) UpdateSession(ctx context.Context, id string, p models.SessionPatch) error {
	g.count("UpdateSession")
	if err := g.failure(&g.failUpdateSession); err != nil {
		return err
	}
	return g.Gateway.UpdateSession(ctx, id, p)
}

func (g *flakyGateway) DeleteSet(ctx context.Context, id string) error {
	g.count("DeleteSet")
	if err := g.failure(&g.failDeleteSet); err != nil {
		return err
	}
	return g.Gateway.DeleteSet(ctx, id)
}

// routine builds a training-only routine of n exercises with sets sets
// each.
func routine(n, sets int) models.Routine {
	r := models.Routine{Name: "Full body"}
	for i := range n {
		ex := models.RoutineExercise{
			Name:        "Exercise " + string(rune('A'+i)),
			Section:     models.SectionTraining,
			TemplateRef: models.Ptr("tmpl-ex-" + string(rune('a'+i))),
		}
		for j := range sets {
			ex.Sets = append(ex.Sets, models.TemplateSet{
				TemplateRef: models.Ptr("tmpl-" + string(rune('a'+i)) + "-" + string(rune('1'+j))),
				TargetReps:  models.Ptr(10),
			})
		}
		r.Exercises = append(r.Exercises, ex)
	}
	return r
}

// setIDs returns the visible set ids of every exercise in order.
func setIDs(snap workout.Snapshot) [][]string {
	var out [][]string
	for _, ex := range snap.Exercises {
		var ids []string
		for _, s := range ex.Sets {
			ids = append(ids, s.ID)
		}
		out = append(out, ids)
	}
	return out
}

func statuses(snap workout.Snapshot) map[string]models.SetStatus {
	out := make(map[string]models.SetStatus)
	for _, ex := range snap.Exercises {
		for _, s := range ex.Sets {
			out[s.ID] = s.Status
		}
	}
	return out
}

func startSession(t *testing.T, d *device, r models.Routine) models.WorkoutSession {
	t.Helper()
	sess, err := d.Start(context.Background(), r)
	require.NoError(t, err)
	return sess
}

func (g *flakyGateway) CreateSession(ctx context.Context, subjectID string, r models.Routine, at time.Time) (*models.SessionTree, error) {
	g.count("CreateSession")
	return g.Gateway.CreateSession(ctx, subjectID, r, at)
}
