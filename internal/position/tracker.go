package position

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"moonshot-bot/internal/state"

	"go.uber.org/zap"
)

var (
	// ErrCapacityExceeded means the concurrent position cap is reached.
	ErrCapacityExceeded = errors.New("position capacity exceeded")
	// ErrBudgetExceeded means admitting the position would push total
	// margin past the configured budget.
	ErrBudgetExceeded = errors.New("margin budget exceeded")
	// ErrNotFound means no open position has the given id.
	ErrNotFound = errors.New("position not found")
)

// Tracker owns the set of open positions. Every mutation is persisted
// to the store before it becomes visible, so a restart reloads exactly
// the positions that were admitted. Registration is atomic with the
// capacity check: concurrent admits can never exceed the cap.
type Tracker struct {
	store   state.Store
	log     *zap.Logger
	maxOpen int

	mu        sync.Mutex
	positions map[string]*Position
	locks     map[string]*sync.Mutex
	maxMargin float64
}

func NewTracker(store state.Store, maxOpen int, log *zap.Logger) *Tracker {
	return &Tracker{
		store:     store,
		log:       log,
		maxOpen:   maxOpen,
		positions: make(map[string]*Position),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Load reloads open positions from the store. Closed records are left
// in place as trade history.
func (t *Tracker) Load(ctx context.Context) error {
	entries, err := t.store.List(ctx, KeyPrefix)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, value := range entries {
		p, err := Decode(value)
		if err != nil {
			t.log.Warn("skipping undecodable position record", zap.String("key", key), zap.Error(err))
			continue
		}
		if !p.Open() {
			continue
		}
		t.positions[p.ID] = p
		t.locks[p.ID] = &sync.Mutex{}
		t.log.Info("restored open position",
			zap.String("id", p.ID),
			zap.String("symbol", p.Symbol),
			zap.String("side", string(p.Side)))
	}
	return nil
}

// SetMarginBudget caps the total margin the tracker will admit. Zero
// disables the cap. The caller refreshes it from the equity snapshot
// each cycle.
func (t *Tracker) SetMarginBudget(total float64) {
	t.mu.Lock()
	t.maxMargin = total
	t.mu.Unlock()
}

// Register persists and admits a new position. The capacity and budget
// checks and the insert happen under one lock.
func (t *Tracker) Register(ctx context.Context, p *Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.positions) >= t.maxOpen {
		return ErrCapacityExceeded
	}
	if t.maxMargin > 0 {
		var inUse float64
		for _, open := range t.positions {
			inUse += open.Margin
		}
		if inUse+p.Margin > t.maxMargin {
			return ErrBudgetExceeded
		}
	}
	if err := t.persist(ctx, p); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	t.positions[p.ID] = p
	t.locks[p.ID] = &sync.Mutex{}
	return nil
}

// Update applies fn to the position under its per-position lock and
// writes the result through to the store. When fn leaves the position
// closed it is removed from the open set; the store record remains as
// history.
func (t *Tracker) Update(ctx context.Context, id string, fn func(*Position) error) error {
	t.mu.Lock()
	p, ok := t.positions[id]
	lock := t.locks[id]
	t.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	lock.Lock()
	defer lock.Unlock()
	if err := fn(p); err != nil {
		return err
	}
	if err := t.persist(ctx, p); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	if !p.Open() {
		t.mu.Lock()
		delete(t.positions, id)
		delete(t.locks, id)
		t.mu.Unlock()
	}
	return nil
}

// WithLock runs fn holding the position's lock without persisting,
// for consistent multi-field reads.
func (t *Tracker) WithLock(id string, fn func(*Position) error) error {
	t.mu.Lock()
	p, ok := t.positions[id]
	lock := t.locks[id]
	t.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	lock.Lock()
	defer lock.Unlock()
	return fn(p)
}

func (t *Tracker) Get(id string) (*Position, bool) {
	t.mu.Lock()
	p, ok := t.positions[id]
	lock := t.locks[id]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	lock.Lock()
	defer lock.Unlock()
	return p.Clone(), true
}

func (t *Tracker) List() []*Position {
	t.mu.Lock()
	ids := make([]string, 0, len(t.positions))
	for id := range t.positions {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	out := make([]*Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := t.Get(id); ok {
			out = append(out, p)
		}
	}
	return out
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

func (t *Tracker) MarginInUse() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, p := range t.positions {
		total += p.Margin
	}
	return total
}

// OpenSymbols returns the set of symbols with an open position, used
// by the pair filter to skip double entries.
func (t *Tracker) OpenSymbols() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	open := make(map[string]bool, len(t.positions))
	for _, p := range t.positions {
		open[p.Symbol] = true
	}
	return open
}

func (t *Tracker) persist(ctx context.Context, p *Position) error {
	value, err := Encode(p)
	if err != nil {
		return err
	}
	return t.store.Set(ctx, Key(p.ID), value)
}
