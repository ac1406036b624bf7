package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardianvault/recoveryd/internal/metrics"
	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/recovery"
	"github.com/guardianvault/recoveryd/internal/service"
	"github.com/guardianvault/recoveryd/internal/testutil"
)

type env struct {
	ctx       context.Context
	store     *testutil.MemoryStore
	vault     *testutil.FakeVault
	loans     *testutil.FakeLoans
	clock     *testutil.ManualClock
	publisher *testutil.RecordingPublisher
	locker    *testutil.LocalLocker
	metrics   *metrics.InMemoryRecorder
	svc       *service.AccountService

	id        string
	owner     model.Address
	newOwner  model.Address
	guardians []model.Address
}

func newEnv(t *testing.T, guardians int) *env {
	t.Helper()

	e := &env{
		ctx:       context.Background(),
		store:     testutil.NewMemoryStore(),
		vault:     testutil.NewFakeVault(),
		loans:     testutil.NewFakeLoans(1_000_000),
		clock:     testutil.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		publisher: &testutil.RecordingPublisher{},
		locker:    testutil.NewLocalLocker(),
		metrics:   metrics.NewInMemory(),
		owner:     testutil.Addr(1),
		newOwner:  testutil.Addr(2),
	}
	for i := 0; i < guardians; i++ {
		e.guardians = append(e.guardians, testutil.Addr(10+i))
	}

	rec := testutil.NewTestAccount(t, e.owner, e.guardians...)
	require.NoError(t, e.store.CreateAccount(e.ctx, rec))
	e.id = rec.ID

	e.svc = service.NewAccountService(service.Deps{
		Store:     e.store,
		Vault:     e.vault,
		Loans:     e.loans,
		Locker:    e.locker,
		Publisher: e.publisher,
		Metrics:   e.metrics,
	}, recovery.MachineConfig{
		TimelockDuration: 100 * time.Second,
		CreditCeiling:    200,
		Clock:            e.clock,
	})
	return e
}

func (e *env) timelocked(t *testing.T) {
	t.Helper()
	_, err := e.svc.InitiateRecovery(e.ctx, e.id, e.newOwner, e.newOwner.String())
	require.NoError(t, err)
	for _, g := range e.guardians {
		res, err := e.svc.ApproveRecovery(e.ctx, e.id, g)
		require.NoError(t, err)
		if res.Phase == model.PhaseTimelocked {
			return
		}
	}
	t.Fatal("quorum not reached")
}

func TestAccountService_CreateAccount(t *testing.T) {
	e := newEnv(t, 0)

	rec, err := e.svc.CreateAccount(e.ctx, testutil.Addr(5))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, model.PhaseSecure, rec.Phase)

	stored, err := e.store.GetAccount(e.ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, testutil.Addr(5), stored.Owner)

	_, err = e.svc.CreateAccount(e.ctx, model.Address("not-an-address"))
	assert.ErrorIs(t, err, service.ErrInvalidOwner)
}

func TestAccountService_FullRecovery(t *testing.T) {
	e := newEnv(t, 3)
	e.timelocked(t)

	res, err := e.svc.Draw(e.ctx, e.id, e.newOwner, "draw-1", 150)
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Remaining)

	view, err := e.svc.GetAccount(e.ctx, e.id, e.newOwner)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseTimelocked, view.Record.Phase)
	assert.Equal(t, int64(50), view.CreditRemaining)
	assert.Equal(t, 100*time.Second, view.TimelockRemaining)

	done, err := e.svc.PollTimelock(e.ctx, e.id)
	require.NoError(t, err)
	assert.False(t, done)

	e.clock.Advance(100 * time.Second)
	done, err = e.svc.PollTimelock(e.ctx, e.id)
	require.NoError(t, err)
	assert.True(t, done)

	rec, err := e.store.GetAccount(e.ctx, e.id)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseRecovered, rec.Phase)
	assert.Equal(t, e.newOwner, rec.Owner)
	assert.Equal(t, e.owner, rec.PreviousOwner)
	assert.Equal(t, int64(150), rec.Outstanding)

	assert.Contains(t, e.publisher.Types(), model.EventRecoveryFinalized)
	assert.Contains(t, e.publisher.Types(), model.EventCreditDrawn)
	assert.Equal(t, uint64(1), e.metrics.Snapshot().RecoveriesFinalized)
}

func TestAccountService_FailedCommandSavesNothing(t *testing.T) {
	e := newEnv(t, 3)
	saves := e.store.Saves()

	e.vault.FailWith(testutil.VaultInitiate, fmt.Errorf("relay: %w", recovery.ErrUnavailable))
	_, err := e.svc.InitiateRecovery(e.ctx, e.id, e.newOwner, e.newOwner.String())
	require.ErrorIs(t, err, recovery.ErrUnavailable)

	assert.Equal(t, saves, e.store.Saves())
	assert.Empty(t, e.publisher.Events())

	rec, err := e.store.GetAccount(e.ctx, e.id)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseSecure, rec.Phase)

	snap := e.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Commands["initiate_recovery|"+metrics.OutcomeUnavailable])
}

func TestAccountService_NotFound(t *testing.T) {
	e := newEnv(t, 1)

	_, err := e.svc.ApproveRecovery(e.ctx, "missing", e.guardians[0])
	assert.ErrorIs(t, err, service.ErrAccountNotFound)

	_, err = e.svc.GetAccount(e.ctx, "missing", e.owner)
	assert.ErrorIs(t, err, service.ErrAccountNotFound)
}

func TestAccountService_GetAccountVisibility(t *testing.T) {
	e := newEnv(t, 3)

	_, err := e.svc.GetAccount(e.ctx, e.id, e.owner)
	assert.NoError(t, err)
	_, err = e.svc.GetAccount(e.ctx, e.id, e.guardians[1])
	assert.NoError(t, err)
	_, err = e.svc.GetAccount(e.ctx, e.id, e.newOwner)
	assert.ErrorIs(t, err, recovery.ErrNotAuthorized)

	_, err = e.svc.InitiateRecovery(e.ctx, e.id, e.newOwner, e.newOwner.String())
	require.NoError(t, err)
	_, err = e.svc.GetAccount(e.ctx, e.id, e.newOwner)
	assert.NoError(t, err, "claimant sees the account while the request is live")
}

func TestAccountService_DrawReplayReturnsOriginal(t *testing.T) {
	e := newEnv(t, 1)
	e.timelocked(t)

	first, err := e.svc.Draw(e.ctx, e.id, e.owner, "draw-1", 40)
	require.NoError(t, err)
	saves := e.store.Saves()

	again, err := e.svc.Draw(e.ctx, e.id, e.owner, "draw-1", 40)
	require.ErrorIs(t, err, recovery.ErrDrawCompleted)
	assert.Equal(t, first.Draw, again.Draw)
	assert.Equal(t, saves, e.store.Saves())
	assert.Equal(t, int64(40), e.loans.Disbursed())
}

func TestAccountService_ConcurrentDrawsRespectCeiling(t *testing.T) {
	e := newEnv(t, 3)
	e.timelocked(t)

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.svc.Draw(e.ctx, e.id, e.newOwner, fmt.Sprintf("draw-%d", i), 30)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, recovery.ErrCreditExhausted) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// 200 / 30 = 6 full draws; the seventh would exceed the ceiling.
	assert.Equal(t, 6, succeeded)
	assert.Equal(t, int64(180), e.loans.Disbursed())

	rec, err := e.store.GetAccount(e.ctx, e.id)
	require.NoError(t, err)
	assert.Equal(t, int64(180), rec.Credit.Drawn)
	assert.Len(t, rec.Credit.Draws, 6)
}

func TestAccountService_PublishFailureDoesNotFailCommand(t *testing.T) {
	e := newEnv(t, 3)
	e.publisher.Err = errors.New("stream down")

	_, err := e.svc.InitiateRecovery(e.ctx, e.id, e.newOwner, e.newOwner.String())
	require.NoError(t, err)

	rec, err := e.store.GetAccount(e.ctx, e.id)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePendingApproval, rec.Phase)
	assert.Equal(t, uint64(1), e.metrics.Snapshot().EventsDropped)
}

func TestAccountService_SocialLoan(t *testing.T) {
	e := newEnv(t, 3)

	loan, err := e.svc.RequestSocialLoan(e.ctx, e.id, e.owner, 500)
	require.NoError(t, err)
	assert.Equal(t, 2, loan.RequiredQuorum)

	_, err = e.svc.ApproveSocialLoan(e.ctx, e.id, e.guardians[0])
	require.NoError(t, err)
	loan, err = e.svc.ApproveSocialLoan(e.ctx, e.id, e.guardians[1])
	require.NoError(t, err)
	assert.Equal(t, model.SocialLoanDisbursed, loan.Status)

	rec, err := e.store.GetAccount(e.ctx, e.id)
	require.NoError(t, err)
	assert.Equal(t, int64(500), rec.Outstanding)
	assert.Equal(t, int64(500), e.metrics.Snapshot().SocialLoanDisbursedTotal)
}

func TestAccountService_GuardianManagement(t *testing.T) {
	e := newEnv(t, 2)

	g, err := e.svc.AddGuardian(e.ctx, e.id, e.owner, testutil.Addr(30).String(), "Carol")
	require.NoError(t, err)
	assert.Equal(t, "Carol", g.Label)

	_, err = e.svc.AddGuardian(e.ctx, e.id, e.guardians[0], testutil.Addr(31).String(), "")
	assert.ErrorIs(t, err, recovery.ErrNotAuthorized)

	require.NoError(t, e.svc.RemoveGuardian(e.ctx, e.id, e.owner, e.guardians[0].String()))

	rec, err := e.store.GetAccount(e.ctx, e.id)
	require.NoError(t, err)
	assert.Len(t, rec.Guardians, 2)
}

func TestAccountService_OwnerCancel(t *testing.T) {
	e := newEnv(t, 3)
	e.timelocked(t)

	res, err := e.svc.CancelRecovery(e.ctx, e.id, e.owner)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)

	rec, err := e.store.GetAccount(e.ctx, e.id)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseSecure, rec.Phase)
	assert.Nil(t, rec.Request)
	assert.Nil(t, rec.Timelock)
}

func TestAccountService_GetAccountChecksAccessBeforeRestore(t *testing.T) {
	e := newEnv(t, 2)

	// A timelocked row without its request cannot be restored.
	rec, err := e.store.GetAccount(e.ctx, e.id)
	require.NoError(t, err)
	rec.Phase = model.PhaseTimelocked
	require.NoError(t, e.store.SaveAccount(e.ctx, rec))

	_, err = e.svc.GetAccount(e.ctx, e.id, testutil.Addr(99))
	assert.ErrorIs(t, err, recovery.ErrNotAuthorized)
	assert.NotContains(t, err.Error(), "restore")

	_, err = e.svc.GetAccount(e.ctx, e.id, e.owner)
	require.Error(t, err)
	assert.NotErrorIs(t, err, recovery.ErrNotAuthorized)
	assert.Contains(t, err.Error(), "restore")
}
