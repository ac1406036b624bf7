package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/recovery"
	"github.com/guardianvault/recoveryd/internal/repository"
)

// ManualClock is a recovery.Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Vault submission names used by FakeVault.
const (
	VaultGuardianAdd    = "guardian_add"
	VaultGuardianRemove = "guardian_remove"
	VaultInitiate       = "initiate"
	VaultApprove        = "approve"
	VaultCancel         = "cancel"
	VaultFinalize       = "finalize"
)

// FakeVault records vault submissions and fails the ones told to.
type FakeVault struct {
	mu    sync.Mutex
	seq   int
	calls map[string]int
	fail  map[string]error
}

// NewFakeVault creates a vault that confirms every submission.
func NewFakeVault() *FakeVault {
	return &FakeVault{calls: map[string]int{}, fail: map[string]error{}}
}

// FailWith makes every later submission of kind return err. A nil err
// clears the failure.
func (v *FakeVault) FailWith(kind string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err == nil {
		delete(v.fail, kind)
		return
	}
	v.fail[kind] = err
}

// Calls returns how many submissions of kind were attempted.
func (v *FakeVault) Calls(kind string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[kind]
}

func (v *FakeVault) submit(kind string) (recovery.Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls[kind]++
	if err := v.fail[kind]; err != nil {
		return recovery.Receipt{}, err
	}
	v.seq++
	return recovery.Receipt{TxHash: fmt.Sprintf("0x%064x", v.seq), ConfirmedAt: time.Now().UTC()}, nil
}

func (v *FakeVault) SubmitGuardianAdd(context.Context, string, model.Address) (recovery.Receipt, error) {
	return v.submit(VaultGuardianAdd)
}

func (v *FakeVault) SubmitGuardianRemove(context.Context, string, model.Address) (recovery.Receipt, error) {
	return v.submit(VaultGuardianRemove)
}

func (v *FakeVault) SubmitInitiateRecovery(context.Context, string, string, model.Address) (recovery.Receipt, error) {
	return v.submit(VaultInitiate)
}

func (v *FakeVault) SubmitApproveRecovery(context.Context, string, string, model.Address) (recovery.Receipt, error) {
	return v.submit(VaultApprove)
}

func (v *FakeVault) SubmitCancelRecovery(context.Context, string, string) (recovery.Receipt, error) {
	return v.submit(VaultCancel)
}

func (v *FakeVault) SubmitFinalizeRecovery(context.Context, string, string, model.Address) (recovery.Receipt, error) {
	return v.submit(VaultFinalize)
}

// FakeLoans is an in-memory loan pool. Disbursements are deduplicated by
// id the way the real pool does.
type FakeLoans struct {
	mu          sync.Mutex
	balance     int64
	BalanceErr  error
	DisburseErr error
	disbursed   map[string]int64
	attempts    int
}

// NewFakeLoans creates a pool holding balance.
func NewFakeLoans(balance int64) *FakeLoans {
	return &FakeLoans{balance: balance, disbursed: map[string]int64{}}
}

// Disburse pays amount out of the pool once per id.
func (l *FakeLoans) Disburse(_ context.Context, _ string, id string, amount int64) (recovery.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	if l.DisburseErr != nil {
		return recovery.Receipt{}, l.DisburseErr
	}
	if _, ok := l.disbursed[id]; !ok {
		if amount > l.balance {
			return recovery.Receipt{}, recovery.ErrPoolInsufficient
		}
		l.balance -= amount
		l.disbursed[id] = amount
	}
	return recovery.Receipt{TxHash: "0xdisburse-" + id, ConfirmedAt: time.Now().UTC()}, nil
}

// PoolBalance returns what is left in the pool.
func (l *FakeLoans) PoolBalance(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.BalanceErr != nil {
		return 0, l.BalanceErr
	}
	return l.balance, nil
}

// SetErrors replaces the injected errors.
func (l *FakeLoans) SetErrors(balanceErr, disburseErr error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.BalanceErr = balanceErr
	l.DisburseErr = disburseErr
}

// Balance returns the pool balance ignoring injected errors.
func (l *FakeLoans) Balance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Disbursed returns the total paid out.
func (l *FakeLoans) Disbursed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, amount := range l.disbursed {
		total += amount
	}
	return total
}

// Attempts returns how many disbursements were attempted.
func (l *FakeLoans) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// MemoryStore is an in-memory account store with the same version
// semantics as the Postgres repository.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*model.AccountRecord
	saves    int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: map[string]*model.AccountRecord{}}
}

func (s *MemoryStore) CreateAccount(_ context.Context, rec *model.AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[rec.ID]; ok {
		return repository.ErrAccountExists
	}
	rec.Version = 1
	s.accounts[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.accounts[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, rec *model.AccountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.accounts[rec.ID]
	if !ok {
		return repository.ErrAccountNotFound
	}
	if current.Version != rec.Version {
		return repository.ErrVersionConflict
	}
	rec.Version++
	s.accounts[rec.ID] = cloneRecord(rec)
	s.saves++
	return nil
}

func (s *MemoryStore) ListDueTimelocks(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*model.AccountRecord
	for _, rec := range s.accounts {
		if rec.Phase == model.PhaseTimelocked && rec.Timelock != nil && !rec.Timelock.Deadline().After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].Timelock.Deadline().Before(due[j].Timelock.Deadline())
	})
	ids := make([]string, 0, len(due))
	for _, rec := range due {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// Saves returns how many successful saves happened.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func cloneRecord(rec *model.AccountRecord) *model.AccountRecord {
	data, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	var out model.AccountRecord
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	out.Version = rec.Version
	return &out
}

// RecordingPublisher collects published events.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
	Err    error
}

// Publish records events.
func (p *RecordingPublisher) Publish(_ context.Context, events ...model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, events...)
	return nil
}

// Events returns the recorded events.
func (p *RecordingPublisher) Events() []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Event, len(p.events))
	copy(out, p.events)
	return out
}

// Types returns the recorded event types in order.
func (p *RecordingPublisher) Types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// LocalLocker satisfies the distributed lock interface in-process.
type LocalLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	acquires int
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]bool{}}
}

// Acquire takes key or fails if it is already held.
func (l *LocalLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("lock %s already held", key)
	}
	l.held[key] = true
	l.acquires++
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, nil
}

// Acquires returns how many times a lock was taken.
func (l *LocalLocker) Acquires() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires
}
