package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claude/liftsync/internal/clock"
	"github.com/claude/liftsync/internal/models"
	"github.com/claude/liftsync/internal/workout"
)

// deviceIdentity is the IdentityResolver of one device. Requests update it
// before they reach the engine.
type deviceIdentity struct {
	mu     sync.Mutex
	auth   *models.Identity
	acting string
}

func (d *deviceIdentity) AuthenticatedIdentity() *models.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.auth == nil {
		return nil
	}
	id := *d.auth
	return &id
}

func (d *deviceIdentity) ActingIdentity() models.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acting == "" && d.auth != nil {
		return *d.auth
	}
	return models.Identity{AccountID: d.acting}
}

// update records the identities of a request and reports whether the acting
// account changed.
func (d *deviceIdentity) update(auth models.Identity, acting string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed := d.auth == nil || d.acting != acting
	d.auth = &auth
	d.acting = acting
	return changed
}

// Devices without requests are evicted after deviceIdleTimeout, or after
// endedDeviceTimeout once they hold no running session.
const (
	deviceIdleTimeout  = 30 * time.Minute
	endedDeviceTimeout = 2 * time.Minute
	deviceSweepEvery   = time.Minute
)

type device struct {
	engine   *workout.Engine
	ids      *deviceIdentity
	guard    *workout.Guard
	lastUsed time.Time // guarded by devices.mu
}

// devices holds one engine per signed-in device.
type devices struct {
	mu        sync.Mutex
	byKey     map[string]*device
	gw        workout.Gateway
	opts      workout.Options
	clock     clock.Clock
	log       *slog.Logger
	stopSweep func()
}

func newDevices(gw workout.Gateway, opts workout.Options, log *slog.Logger) *devices {
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	d := &devices{byKey: make(map[string]*device), gw: gw, opts: opts, clock: c, log: log}
	d.stopSweep = clock.Every(c, deviceSweepEvery, d.sweep)
	return d
}

// get returns the device, creating its engine on first use, and follows a
// change of acting identity.
func (d *devices) get(ctx context.Context, deviceID string, user UserInfo, acting string) (*device, error) {
	key := user.Login + "/" + deviceID

	d.mu.Lock()
	dev, ok := d.byKey[key]
	if !ok {
		ids := &deviceIdentity{}
		opts := d.opts
		opts.Logger = d.log.With("device", key)
		opts.OnSignal = func(sig workout.Signal) {
			opts.Logger.Debug("engine signal", "signal", fmt.Sprintf("%T", sig))
		}
		dev = &device{engine: workout.New(d.gw, ids, opts), ids: ids, guard: workout.NewGuard(ids)}
		d.byKey[key] = dev
		d.log.Info("device registered", "device", key)
	}
	dev.lastUsed = d.clock.Now()
	d.mu.Unlock()

	if dev.ids.update(user.Identity(), acting) {
		if err := dev.engine.SyncIdentity(ctx); err != nil {
			return dev, err
		}
	}
	return dev, nil
}

func (d *devices) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byKey)
}

// sweep closes and forgets devices that went quiet.
func (d *devices) sweep() {
	now := d.clock.Now()
	var evicted []*device

	d.mu.Lock()
	for key, dev := range d.byKey {
		idle := now.Sub(dev.lastUsed)
		if idle < endedDeviceTimeout {
			continue
		}
		if idle < deviceIdleTimeout {
			if p := dev.engine.Phase(); p != workout.PhaseNone && p != workout.PhaseEnded {
				continue
			}
		}
		delete(d.byKey, key)
		evicted = append(evicted, dev)
		d.log.Info("device evicted", "device", key, "idle", idle.Round(time.Second))
	}
	d.mu.Unlock()

	for _, dev := range evicted {
		dev.engine.Close()
	}
}

// close stops the sweep and every engine.
func (d *devices) close() {
	d.stopSweep()
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, dev := range d.byKey {
		dev.engine.Close()
		delete(d.byKey, key)
	}
}
