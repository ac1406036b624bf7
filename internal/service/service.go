// Package service runs account commands: it serializes them per account,
// rebuilds the recovery machine from storage, persists the result and
// publishes the events it produced.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/guardianvault/recoveryd/internal/metrics"
	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/recovery"
	"github.com/guardianvault/recoveryd/internal/repository"
)

// Service errors.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidOwner    = errors.New("invalid owner address")
	// ErrBusy means another command on the same account held it too long,
	// or modified it concurrently. Safe to retry.
	ErrBusy = errors.New("account busy")
)

// DefaultLockTTL bounds how long one command may hold an account.
const DefaultLockTTL = 60 * time.Second

// Store persists account records with optimistic versioning.
type Store interface {
	CreateAccount(ctx context.Context, rec *model.AccountRecord) error
	GetAccount(ctx context.Context, id string) (*model.AccountRecord, error)
	SaveAccount(ctx context.Context, rec *model.AccountRecord) error
	ListDueTimelocks(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Locker serializes commands on one account across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Publisher delivers committed events.
type Publisher interface {
	Publish(ctx context.Context, events ...model.Event) error
}

// AccountCache is a read-through cache of account records.
type AccountCache interface {
	GetAccount(ctx context.Context, id string) (*model.AccountRecord, error)
	SetAccount(ctx context.Context, rec *model.AccountRecord) error
	DeleteAccount(ctx context.Context, id string) error
	IsNegativelyCached(ctx context.Context, id string) (bool, error)
	SetNegativeCache(ctx context.Context, id string) error
}

// Deps are the collaborators of AccountService. Store, Vault and Loans are
// required; the rest are optional.
type Deps struct {
	Store     Store
	Vault     recovery.VaultGateway
	Loans     recovery.LoanGateway
	Locker    Locker
	Publisher Publisher
	Cache     AccountCache
	Metrics   metrics.Recorder
	Logger    *slog.Logger
	LockTTL   time.Duration
}

// AccountService handles account commands.
type AccountService struct {
	store     Store
	vault     recovery.VaultGateway
	loans     recovery.LoanGateway
	cfg       recovery.MachineConfig
	locker    Locker
	publisher Publisher
	cache     AccountCache
	metrics   metrics.Recorder
	logger    *slog.Logger
	lockTTL   time.Duration
	local     *keyedMutex
}

// NewAccountService creates a new AccountService.
func NewAccountService(deps Deps, cfg recovery.MachineConfig) *AccountService {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = DefaultLockTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = recovery.SystemClock()
	}
	return &AccountService{
		store:     deps.Store,
		vault:     deps.Vault,
		loans:     deps.Loans,
		cfg:       cfg,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("component", "account.service"),
		lockTTL:   deps.LockTTL,
		local:     newKeyedMutex(),
	}
}

// AccountView is an account record with the values derived from the clock.
type AccountView struct {
	Record            *model.AccountRecord
	TimelockRemaining time.Duration
	CreditRemaining   int64
}

// CreateAccount registers a new account owned by owner.
func (s *AccountService) CreateAccount(ctx context.Context, owner model.Address) (*model.AccountRecord, error) {
	owner, err := model.ParseAddress(owner.String())
	if err != nil {
		return nil, ErrInvalidOwner
	}

	now := s.cfg.Clock.Now()
	rec := &model.AccountRecord{
		ID:        ulid.Make().String(),
		Owner:     owner,
		Phase:     model.PhaseSecure,
		Guardians: []model.Guardian{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAccount(ctx, rec); err != nil {
		s.metrics.IncCommand("create_account", metrics.OutcomeError)
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	s.metrics.IncCommand("create_account", metrics.OutcomeOK)
	s.logger.Info("account_created", "account_id", rec.ID, "owner", rec.Owner)
	return rec, nil
}

// GetAccount returns the account if caller is its owner, one of its
// guardians, or the claimant of its live recovery.
func (s *AccountService) GetAccount(ctx context.Context, id string, caller model.Address) (*AccountView, error) {
	rec, err := s.loadForRead(ctx, id)
	if err != nil {
		return nil, err
	}

	if !canView(rec, caller) {
		return nil, recovery.ErrNotAuthorized
	}
	m, err := recovery.Restore(rec, s.vault, s.loans, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("restore account %s: %w", id, err)
	}

	view := &AccountView{Record: rec, TimelockRemaining: m.TimelockRemaining()}
	if st, ok := m.State().(recovery.Timelocked); ok {
		view.CreditRemaining = st.Credit.Remaining()
	}
	return view, nil
}

func canView(rec *model.AccountRecord, caller model.Address) bool {
	if caller.Equal(rec.Owner) {
		return true
	}
	for _, g := range rec.Guardians {
		if g.Address.Equal(caller) {
			return true
		}
	}
	return rec.Request != nil && rec.Request.NewOwner.Equal(caller)
}

// loadForRead is cache-first; writes always go to the store.
func (s *AccountService) loadForRead(ctx context.Context, id string) (*model.AccountRecord, error) {
	if s.cache != nil {
		rec, err := s.cache.GetAccount(ctx, id)
		if err == nil {
			return rec, nil
		}
		if neg, _ := s.cache.IsNegativelyCached(ctx, id); neg {
			return nil, ErrAccountNotFound
		}
	}

	rec, err := s.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			if s.cache != nil {
				_ = s.cache.SetNegativeCache(ctx, id)
			}
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetAccount(ctx, rec); err != nil {
			s.logger.Warn("account_cache_fill_failed", "account_id", id, "error", err)
		}
	}
	return rec, nil
}

// AddGuardian registers a guardian on the account.
func (s *AccountService) AddGuardian(ctx context.Context, id string, caller model.Address, address, label string) (model.Guardian, error) {
	var g model.Guardian
	err := s.withAccount(ctx, "add_guardian", id, func(m *recovery.Machine) error {
		var err error
		g, err = m.AddGuardian(ctx, caller, address, label)
		return err
	})
	return g, err
}

// RemoveGuardian unregisters a guardian.
func (s *AccountService) RemoveGuardian(ctx context.Context, id string, caller model.Address, address string) error {
	return s.withAccount(ctx, "remove_guardian", id, func(m *recovery.Machine) error {
		return m.RemoveGuardian(ctx, caller, address)
	})
}

// InitiateRecovery opens a recovery request toward newOwner.
func (s *AccountService) InitiateRecovery(ctx context.Context, id string, caller model.Address, newOwner string) (model.RecoveryRequest, error) {
	var req model.RecoveryRequest
	err := s.withAccount(ctx, "initiate_recovery", id, func(m *recovery.Machine) error {
		var err error
		req, err = m.InitiateRecovery(ctx, caller, newOwner)
		return err
	})
	return req, err
}

// ApproveRecovery records a guardian approval.
func (s *AccountService) ApproveRecovery(ctx context.Context, id string, guardian model.Address) (recovery.ApprovalResult, error) {
	var res recovery.ApprovalResult
	err := s.withAccount(ctx, "approve_recovery", id, func(m *recovery.Machine) error {
		var err error
		res, err = m.ApproveRecovery(ctx, guardian)
		return err
	})
	return res, err
}

// CancelRecovery cancels, or votes to cancel, the live recovery.
func (s *AccountService) CancelRecovery(ctx context.Context, id string, caller model.Address) (recovery.CancelResult, error) {
	var res recovery.CancelResult
	err := s.withAccount(ctx, "cancel_recovery", id, func(m *recovery.Machine) error {
		var err error
		res, err = m.CancelRecovery(ctx, caller)
		return err
	})
	return res, err
}

// PollTimelock finalizes the recovery if its timelock has elapsed.
func (s *AccountService) PollTimelock(ctx context.Context, id string) (bool, error) {
	var finalized bool
	err := s.withAccount(ctx, "poll_timelock", id, func(m *recovery.Machine) error {
		var err error
		finalized, err = m.Poll(ctx)
		return err
	})
	if finalized {
		s.metrics.IncRecoveryFinalized()
	}
	return finalized, err
}

// Draw disburses emergency credit. Replaying drawID returns the original
// draw with recovery.ErrDrawCompleted.
func (s *AccountService) Draw(ctx context.Context, id string, caller model.Address, drawID string, amount int64) (recovery.DrawResult, error) {
	var res recovery.DrawResult
	err := s.withAccount(ctx, "draw", id, func(m *recovery.Machine) error {
		var err error
		res, err = m.Draw(ctx, caller, drawID, amount)
		return err
	})
	if err == nil {
		s.metrics.IncCreditDrawn(res.Draw.Amount)
	}
	return res, err
}

// RequestSocialLoan opens a guardian-cosigned loan request.
func (s *AccountService) RequestSocialLoan(ctx context.Context, id string, caller model.Address, amount int64) (model.SocialLoan, error) {
	var loan model.SocialLoan
	err := s.withAccount(ctx, "request_social_loan", id, func(m *recovery.Machine) error {
		var err error
		loan, err = m.RequestSocialLoan(ctx, caller, amount)
		return err
	})
	return loan, err
}

// ApproveSocialLoan records a guardian approval of the pending loan.
func (s *AccountService) ApproveSocialLoan(ctx context.Context, id string, guardian model.Address) (model.SocialLoan, error) {
	var loan model.SocialLoan
	err := s.withAccount(ctx, "approve_social_loan", id, func(m *recovery.Machine) error {
		var err error
		loan, err = m.ApproveSocialLoan(ctx, guardian)
		return err
	})
	if err == nil && loan.Status == model.SocialLoanDisbursed {
		s.metrics.IncSocialLoanDisbursed(loan.Amount)
	}
	return loan, err
}

// withAccount runs fn on the account's machine while holding the account.
// State is saved and events published only if fn succeeds and changed
// something; a failed command leaves the stored record untouched.
func (s *AccountService) withAccount(ctx context.Context, op, id string, fn func(m *recovery.Machine) error) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveCommandDuration(op, time.Since(start))
		s.metrics.IncCommand(op, outcome(err))
	}()

	unlock := s.local.Lock(id)
	defer unlock()

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "account:"+id, s.lockTTL)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("account_lock_release_failed", "account_id", id, "error", err)
			}
		}()
	}

	rec, err := s.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("load account %s: %w", id, err)
	}

	m, err := recovery.Restore(rec, s.vault, s.loans, s.cfg)
	if err != nil {
		return fmt.Errorf("restore account %s: %w", id, err)
	}

	if err := fn(m); err != nil {
		return err
	}

	events := m.DrainEvents()
	if len(events) == 0 {
		return nil
	}

	// The ledger already confirmed the effect; a dropped client must not
	// stop it from being recorded.
	saveCtx := context.WithoutCancel(ctx)
	updated := m.Record()
	if err := s.store.SaveAccount(saveCtx, updated); err != nil {
		s.logger.Error("account_save_failed",
			"account_id", id,
			"op", op,
			"error", err,
		)
		if errors.Is(err, repository.ErrVersionConflict) {
			return fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return fmt.Errorf("save account %s: %w", id, err)
	}

	if s.cache != nil {
		if err := s.cache.SetAccount(saveCtx, updated); err != nil {
			_ = s.cache.DeleteAccount(saveCtx, id)
		}
	}

	s.publish(saveCtx, id, events)
	s.logger.Info("account_command_applied",
		"account_id", id,
		"op", op,
		"phase", updated.Phase,
		"events", len(events),
	)
	return nil
}

func (s *AccountService) publish(ctx context.Context, id string, events []model.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events...); err != nil {
		for range events {
			s.metrics.IncEventPublished("dropped")
		}
		s.logger.Warn("event_publish_failed", "account_id", id, "count", len(events), "error", err)
		return
	}
	for range events {
		s.metrics.IncEventPublished("success")
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case recovery.IsValidation(err), errors.Is(err, ErrAccountNotFound):
		return metrics.OutcomeValidation
	case errors.Is(err, recovery.ErrRejected), errors.Is(err, recovery.ErrPoolInsufficient):
		return metrics.OutcomeRejected
	case errors.Is(err, recovery.ErrUnavailable), errors.Is(err, ErrBusy):
		return metrics.OutcomeUnavailable
	default:
		return metrics.OutcomeError
	}
}
