package account

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/zkwallet/errs"
)

// Deriver computes the chain address of the account at index under seed.
type Deriver interface {
	Derive(seed []byte, index uint64) (string, error)
}

// DeriverFunc adapts a function to the Deriver interface.
type DeriverFunc func(seed []byte, index uint64) (string, error)

// Derive implements Deriver.
func (f DeriverFunc) Derive(seed []byte, index uint64) (string, error) {
	return f(seed, index)
}

// Pool owns every account of one wallet. Each index carries its own data lock
// and an operation lease, so work on different indices never contends.
type Pool struct {
	mu      sync.RWMutex
	seed    []byte
	deriver Deriver
	next    uint64
	entries map[uint64]*entry
	clock   func() time.Time
}

type entry struct {
	mu      sync.Mutex
	account Account
	lease   chan struct{}
}

// Option customises a Pool.
type Option func(*Pool)

// WithClock overrides the time source stamped on account updates.
func WithClock(clock func() time.Time) Option {
	return func(p *Pool) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// NewPool constructs an empty pool deriving addresses from seed.
func NewPool(deriver Deriver, seed []byte, opts ...Option) (*Pool, error) {
	if deriver == nil {
		return nil, errs.New(component, errs.CodeInvalidParameter, errs.WithMessage("deriver required"))
	}
	if len(seed) == 0 {
		return nil, errs.New(component, errs.CodeInvalidParameter, errs.WithMessage("seed required"))
	}
	p := &Pool{
		seed:    append([]byte(nil), seed...),
		deriver: deriver,
		next:    1,
		entries: make(map[uint64]*entry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Allocate reserves the next index and derives its address. The index is
// consumed even if the caller never inserts an account for it.
func (p *Pool) Allocate() (uint64, string, error) {
	p.mu.Lock()
	index := p.next
	p.next++
	p.mu.Unlock()

	address, err := p.deriver.Derive(p.seed, index)
	if err != nil {
		return 0, "", fmt.Errorf("account: derive index %d: %w", index, err)
	}
	return index, address, nil
}

// Insert stores a new account. Inserting an index that already exists is a conflict.
func (p *Pool) Insert(a Account) error {
	if a.IOType == IOTypeUnknown {
		return errs.New(component, errs.CodeInvalidParameter,
			errs.WithMessage("io type required"), errs.WithIndex(a.Index))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[a.Index]; ok {
		return errs.New(component, errs.CodeConflict,
			errs.WithMessage("account index already present"), errs.WithIndex(a.Index))
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = p.clock()
	}
	p.entries[a.Index] = newEntry(a)
	if a.Index >= p.next {
		p.next = a.Index + 1
	}
	return nil
}

// Restore replaces the pool contents with previously persisted accounts.
// next is raised if any restored index would otherwise be reissued.
func (p *Pool) Restore(accounts []Account, next uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[uint64]*entry, len(accounts))
	if next > p.next {
		p.next = next
	}
	for _, a := range accounts {
		p.entries[a.Index] = newEntry(a)
		if a.Index >= p.next {
			p.next = a.Index + 1
		}
	}
}

// Get returns a copy of the account at index.
func (p *Pool) Get(index uint64) (Account, error) {
	e, err := p.lookup(index)
	if err != nil {
		return Account{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account, nil
}

// Update applies fn to the account at index atomically. When fn returns an
// error the stored account is left unchanged. The index cannot be changed.
func (p *Pool) Update(index uint64, fn func(*Account) error) (Account, error) {
	e, err := p.lookup(index)
	if err != nil {
		return Account{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	working := e.account
	if err := fn(&working); err != nil {
		return e.account, err
	}
	working.Index = index
	working.UpdatedAt = p.clock()
	e.account = working
	return working, nil
}

// Acquire takes the operation lease for index, blocking until it is free or
// ctx ends. Callers hold the lease across every remote call of one operation.
func (p *Pool) Acquire(ctx context.Context, index uint64) (func(), error) {
	e, err := p.lookup(index)
	if err != nil {
		return nil, err
	}
	select {
	case e.lease <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-e.lease })
	}, nil
}

// List returns copies of every account ordered by index.
func (p *Pool) List() []Account {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	out := make([]Account, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.account)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// NextIndex reports the index Allocate will hand out next.
func (p *Pool) NextIndex() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.next
}

// Len reports the number of accounts held.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *Pool) lookup(index uint64) (*entry, error) {
	p.mu.RLock()
	e, ok := p.entries[index]
	p.mu.RUnlock()
	if !ok {
		return nil, errs.New(component, errs.CodeNotFound,
			errs.WithMessage("account not found"), errs.WithIndex(index))
	}
	return e, nil
}

func newEntry(a Account) *entry {
	return &entry{account: a, lease: make(chan struct{}, 1)}
}
