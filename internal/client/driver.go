package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/studyplan/server/internal/models"
	"github.com/studyplan/server/internal/observability"
)

// DriverState is the lifecycle state of a collection's sync driver.
type DriverState int32

const (
	StateIdle DriverState = iota
	StateSyncing
	StateLive
	StateCancelled
)

func (s DriverState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// DriverOptions tune a sync driver. Zero values fall back to defaults.
type DriverOptions struct {
	BatchSize    int           // documents per pull / rows per push, default 100
	PollInterval time.Duration // live-state pull cadence, default 30s
	RetryBase    time.Duration // first backoff delay, default 1s
	RetryMax     time.Duration // backoff ceiling, default 2m
}

func (o DriverOptions) withDefaults() DriverOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 2 * time.Minute
	}
	return o
}

// Driver replicates one collection between the local store and the server.
// It pulls the backlog down first, then goes live: periodic pulls plus an
// eager push whenever a local edit lands. Collections are independent, so an
// application runs one driver per collection.
type Driver struct {
	col       models.Collection
	store     *Store
	transport *Transport
	identity  Identity
	opts      DriverOptions

	mu       sync.Mutex
	state    DriverState
	cancel   context.CancelFunc
	done     chan struct{}
	syncedCh chan struct{}
	syncOnce sync.Once
}

// NewDriver creates a driver for one collection.
func NewDriver(col models.Collection, store *Store, transport *Transport, identity Identity, opts DriverOptions) *Driver {
	return &Driver{
		col:       col,
		store:     store,
		transport: transport,
		identity:  identity,
		opts:      opts.withDefaults(),
		state:     StateIdle,
		done:      make(chan struct{}),
		syncedCh:  make(chan struct{}),
	}
}

// State returns the driver's current state.
func (d *Driver) State() DriverState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s DriverState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// InitialSyncDone is closed once the backlog pull has drained, i.e. local
// state has caught up with the server at least once.
func (d *Driver) InitialSyncDone() <-chan struct{} {
	return d.syncedCh
}

// Done is closed when the driver has fully stopped.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Start launches the sync loop. The driver stops when ctx is cancelled or
// Stop is called.
func (d *Driver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if d.state == StateCancelled || d.cancel != nil {
		d.mu.Unlock()
		cancel()
		return
	}
	d.cancel = cancel
	d.mu.Unlock()

	go d.run(ctx)
}

// Stop cancels the driver and waits for the loop to exit.
func (d *Driver) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-d.done
}

func (d *Driver) run(ctx context.Context) {
	defer close(d.done)
	defer d.setState(StateCancelled)

	logger := observability.WithField("collection", d.col.Name)
	events := d.store.Subscribe(d.col.Name)
	backoff := newBackoff(d.opts.RetryBase, d.opts.RetryMax)

	for {
		if ctx.Err() != nil {
			return
		}

		if !d.identity.Authenticated() || !d.identity.HasScope(d.col.Scope) {
			d.setState(StateIdle)
			if !sleepCtx(ctx, d.opts.PollInterval) {
				return
			}
			continue
		}

		d.setState(StateSyncing)
		if err := d.syncOnceThrough(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff.next()
			if errors.Is(err, ErrUnauthorized) {
				logger.Warnf("credential rejected, driver idling: %v", err)
				d.setState(StateIdle)
				delay = d.opts.PollInterval
			} else {
				logger.Warnf("sync cycle failed, retrying in %s: %v", delay, err)
			}
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		backoff.reset()
		d.syncOnce.Do(func() { close(d.syncedCh) })

		// Live: wait for a local edit or the poll timer, then cycle again.
		d.setState(StateLive)
		timer := time.NewTimer(d.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case event, ok := <-events:
			timer.Stop()
			if !ok {
				return
			}
			if event.Source != SourceLocal {
				continue
			}
			// Absorb the burst before pushing.
			drainLocalEvents(events, 50*time.Millisecond)
		}
	}
}

// syncOnceThrough runs one full cycle: flush the pending queue, then pull
// until the server has nothing newer.
func (d *Driver) syncOnceThrough(ctx context.Context) error {
	if err := d.pushPending(ctx); err != nil {
		return err
	}
	return d.pullAll(ctx)
}

func (d *Driver) pushPending(ctx context.Context) error {
	for {
		pending, err := d.store.PendingChanges(ctx, d.col, d.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		rows := make([]models.ChangeRow, 0, len(pending))
		for _, change := range pending {
			rows = append(rows, change.Row)
		}

		conflicts, err := d.transport.Push(ctx, d.col.Name, rows)
		if err != nil {
			return err
		}

		// The server's documents win every conflict; local edits to those
		// documents are discarded.
		conflicted := make(map[string]bool, len(conflicts))
		for _, doc := range conflicts {
			conflicted[doc.Key(d.col.KeyField)] = true
			if err := d.store.ApplyConflict(ctx, d.col, doc); err != nil {
				return err
			}
		}

		seqs := make([]int64, 0, len(pending))
		for _, change := range pending {
			if !conflicted[change.DocID] {
				seqs = append(seqs, change.Seq)
			}
		}
		if err := d.store.ClearPending(ctx, seqs); err != nil {
			return err
		}

		if len(pending) < d.opts.BatchSize {
			return nil
		}
	}
}

func (d *Driver) pullAll(ctx context.Context) error {
	for {
		cp, err := d.store.Checkpoint(ctx, d.col)
		if err != nil {
			return err
		}

		resp, err := d.transport.Pull(ctx, d.col.Name, cp, d.opts.BatchSize)
		if err != nil {
			return err
		}

		if err := d.store.ApplyPull(ctx, d.col, resp.Documents, resp.Checkpoint); err != nil {
			return err
		}

		// A short batch means the backlog is drained.
		if len(resp.Documents) < d.opts.BatchSize {
			return nil
		}
	}
}

// backoff is a capped exponential delay.
type backoff struct {
	base, max, cur time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
	} else {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	return b.cur
}

func (b *backoff) reset() { b.cur = 0 }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func drainLocalEvents(events <-chan ChangeEvent, window time.Duration) {
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timer.C:
			return
		}
	}
}
