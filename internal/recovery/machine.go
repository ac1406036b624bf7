package recovery

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/guardianvault/recoveryd/internal/model"
)

// Defaults applied when MachineConfig leaves a field zero.
const (
	DefaultTimelockDuration = 48 * time.Hour
	// DefaultCreditCeiling is 200 units of a 6-decimal settlement token.
	DefaultCreditCeiling int64 = 200_000_000
)

// MachineConfig holds the per-deployment recovery parameters.
type MachineConfig struct {
	Policy           QuorumPolicy
	TimelockDuration time.Duration
	CreditCeiling    int64
	Clock            Clock
	// NewID generates request, draw, loan and event ids. Defaults to ULIDs.
	NewID func() string
}

func (c MachineConfig) withDefaults() MachineConfig {
	if c.Policy == nil {
		c.Policy = MajorityQuorum{}
	}
	if c.TimelockDuration <= 0 {
		c.TimelockDuration = DefaultTimelockDuration
	}
	if c.CreditCeiling <= 0 {
		c.CreditCeiling = DefaultCreditCeiling
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.NewID == nil {
		c.NewID = func() string { return ulid.Make().String() }
	}
	return c
}

// Machine is the recovery state machine of one account.
//
// Every command validates first, then submits to the ledger, and only
// mutates state once the submission is confirmed. A failed command leaves
// the machine exactly as it was. Machine is not safe for concurrent use.
type Machine struct {
	cfg    MachineConfig
	vault  VaultGateway
	credit *CreditEngine

	accountID   string
	owner       model.Address
	registry    *Registry
	state       State
	outstanding int64
	socialLoan  *model.SocialLoan

	// Last completed recovery; survives later recoveries returning to Secure.
	previousOwner model.Address
	recoveredAt   *time.Time

	version   int64
	createdAt time.Time

	events []model.Event
}

// NewMachine creates the machine of a fresh account in the Secure phase.
func NewMachine(accountID string, owner model.Address, vault VaultGateway, loans LoanGateway, cfg MachineConfig) *Machine {
	cfg = cfg.withDefaults()
	return &Machine{
		cfg:       cfg,
		vault:     vault,
		credit:    NewCreditEngine(loans, cfg.Clock),
		accountID: accountID,
		owner:     owner,
		registry:  NewRegistry(cfg.Policy),
		state:     Secure{},
		createdAt: cfg.Clock.Now(),
	}
}

// AccountID returns the account identifier.
func (m *Machine) AccountID() string { return m.accountID }

// Owner returns the current owner.
func (m *Machine) Owner() model.Address { return m.owner }

// State returns the current phase variant.
func (m *Machine) State() State { return m.state }

// Registry returns the guardian registry. Callers must not mutate it.
func (m *Machine) Registry() *Registry { return m.registry }

// Outstanding returns the total disbursed to the account and still owed.
func (m *Machine) Outstanding() int64 { return m.outstanding }

// TimelockRemaining returns the time left before finalization, zero
// outside the timelocked phase.
func (m *Machine) TimelockRemaining() time.Duration {
	if st, ok := m.state.(Timelocked); ok {
		return st.Timelock.Remaining()
	}
	return 0
}

// DrainEvents returns and clears the events emitted since the last drain.
func (m *Machine) DrainEvents() []model.Event {
	out := m.events
	m.events = nil
	return out
}

// AddGuardian registers address as an Active guardian. Owner only; allowed
// while no recovery or social loan is in progress.
func (m *Machine) AddGuardian(ctx context.Context, caller model.Address, address, label string) (model.Guardian, error) {
	if !caller.Equal(m.owner) {
		return model.Guardian{}, ErrNotAuthorized
	}
	if err := m.checkGuardianChange(); err != nil {
		return model.Guardian{}, err
	}
	addr, err := m.registry.CheckAdd(address)
	if err != nil {
		return model.Guardian{}, err
	}
	if addr.Equal(m.owner) {
		return model.Guardian{}, ErrInvalidIdentifier
	}

	if _, err := m.vault.SubmitGuardianAdd(ctx, m.accountID, addr); err != nil {
		return model.Guardian{}, fmt.Errorf("submit guardian add: %w", err)
	}

	g, err := m.registry.Add(addr.String(), label, m.cfg.Clock.Now())
	if err != nil {
		return model.Guardian{}, err
	}
	m.emit(model.EventGuardianAdded, map[string]any{"guardian": g.Address, "label": g.Label})
	return g, nil
}

// RemoveGuardian unregisters a guardian. Owner only; rejected if the
// remaining Active guardians could not reach quorum.
func (m *Machine) RemoveGuardian(ctx context.Context, caller model.Address, address string) error {
	if !caller.Equal(m.owner) {
		return ErrNotAuthorized
	}
	if err := m.checkGuardianChange(); err != nil {
		return err
	}
	addr, err := model.ParseAddress(address)
	if err != nil {
		return ErrInvalidIdentifier
	}
	if err := m.registry.CheckRemove(addr); err != nil {
		return err
	}

	if _, err := m.vault.SubmitGuardianRemove(ctx, m.accountID, addr); err != nil {
		return fmt.Errorf("submit guardian remove: %w", err)
	}

	if err := m.registry.Remove(addr); err != nil {
		return err
	}
	m.emit(model.EventGuardianRemoved, map[string]any{"guardian": addr})
	return nil
}

func (m *Machine) checkGuardianChange() error {
	if !isResting(m.state) {
		return ErrInvalidState
	}
	if m.socialLoan.IsPending() {
		return ErrInvalidState
	}
	return nil
}

// InitiateRecovery opens a request to move ownership to newOwner.
func (m *Machine) InitiateRecovery(ctx context.Context, caller model.Address, newOwner string) (model.RecoveryRequest, error) {
	if caller.IsZero() {
		return model.RecoveryRequest{}, ErrNotAuthorized
	}
	if !isResting(m.state) {
		return model.RecoveryRequest{}, ErrInvalidState
	}
	target, err := model.ParseAddress(newOwner)
	if err != nil || target.Equal(m.owner) {
		return model.RecoveryRequest{}, ErrInvalidNewOwner
	}
	if !m.registry.QuorumReachable() {
		return model.RecoveryRequest{}, ErrQuorumUnreachable
	}

	requestID := m.cfg.NewID()
	if _, err := m.vault.SubmitInitiateRecovery(ctx, m.accountID, requestID, target); err != nil {
		return model.RecoveryRequest{}, fmt.Errorf("submit initiate recovery: %w", err)
	}

	req := &model.RecoveryRequest{
		ID:             requestID,
		NewOwner:       target,
		Initiator:      caller,
		InitiatedAt:    m.cfg.Clock.Now(),
		RequiredQuorum: m.registry.QuorumThreshold(),
		Approvals:      []model.Address{},
	}
	m.state = PendingApproval{Request: req}
	m.emit(model.EventRecoveryInitiated, map[string]any{
		"request_id":      req.ID,
		"new_owner":       req.NewOwner,
		"initiator":       req.Initiator,
		"required_quorum": req.RequiredQuorum,
	})
	return *req, nil
}

// ApprovalResult reports the request after an approval was recorded.
type ApprovalResult struct {
	RequestID string
	Approvals int
	Required  int
	Phase     model.Phase
}

// ApproveRecovery records guardian's approval of the live request. The
// approval that reaches quorum starts the timelock and opens the emergency
// credit line.
func (m *Machine) ApproveRecovery(ctx context.Context, guardian model.Address) (ApprovalResult, error) {
	st, ok := m.state.(PendingApproval)
	if !ok {
		return ApprovalResult{}, ErrInvalidState
	}
	if !m.registry.IsActive(guardian) {
		return ApprovalResult{}, ErrNotAGuardian
	}
	req := st.Request
	if containsAddress(req.Approvals, guardian) {
		return ApprovalResult{}, ErrAlreadyApproved
	}

	if _, err := m.vault.SubmitApproveRecovery(ctx, m.accountID, req.ID, guardian); err != nil {
		return ApprovalResult{}, fmt.Errorf("submit approve recovery: %w", err)
	}

	req.Approvals = append(req.Approvals, guardian)
	m.emit(model.EventRecoveryApproved, map[string]any{
		"request_id": req.ID,
		"guardian":   guardian,
		"approvals":  len(req.Approvals),
		"required":   req.RequiredQuorum,
	})

	if len(req.Approvals) >= req.RequiredQuorum {
		timelock := NewTimelockScheduler(m.cfg.Clock)
		timelock.Start(m.cfg.TimelockDuration)
		line := m.credit.Authorize(req.ID, m.cfg.CreditCeiling)
		m.state = Timelocked{Request: req, Timelock: timelock, Credit: line}
		m.emit(model.EventRecoveryTimelocked, map[string]any{
			"request_id":   req.ID,
			"new_owner":    req.NewOwner,
			"deadline":     timelock.Deadline(),
			"credit_total": line.Total(),
		})
	}

	return ApprovalResult{
		RequestID: req.ID,
		Approvals: len(req.Approvals),
		Required:  req.RequiredQuorum,
		Phase:     m.state.Phase(),
	}, nil
}

// CancelResult reports the outcome of a cancel command.
type CancelResult struct {
	Cancelled bool
	Votes     int
	Required  int
}

// CancelRecovery aborts the live request. The owner cancels immediately; an
// Active guardian casts a cancel vote, and the cancel executes once every
// Active guardian has voted.
func (m *Machine) CancelRecovery(ctx context.Context, caller model.Address) (CancelResult, error) {
	req := liveRequest(m.state)
	if req == nil {
		return CancelResult{}, ErrInvalidState
	}
	// Once the window has closed only finalization may leave it, even if
	// no poll has committed it yet.
	if st, ok := m.state.(Timelocked); ok && st.Timelock.Expired() {
		return CancelResult{}, ErrInvalidState
	}

	if caller.Equal(m.owner) {
		if err := m.executeCancel(ctx, req, caller); err != nil {
			return CancelResult{}, err
		}
		return CancelResult{Cancelled: true, Votes: len(req.CancelVotes), Required: m.registry.ActiveCount()}, nil
	}

	if !m.registry.IsActive(caller) {
		return CancelResult{}, ErrNotAuthorized
	}
	if containsAddress(req.CancelVotes, caller) {
		return CancelResult{}, ErrAlreadyApproved
	}

	required := m.registry.ActiveCount()
	votes := append(slices.Clone(req.CancelVotes), caller)
	if len(votes) < required {
		req.CancelVotes = votes
		m.emit(model.EventRecoveryCancelVoted, map[string]any{
			"request_id": req.ID,
			"guardian":   caller,
			"votes":      len(votes),
			"required":   required,
		})
		return CancelResult{Votes: len(votes), Required: required}, nil
	}

	if err := m.executeCancel(ctx, req, caller); err != nil {
		return CancelResult{}, err
	}
	return CancelResult{Cancelled: true, Votes: len(votes), Required: required}, nil
}

func (m *Machine) executeCancel(ctx context.Context, req *model.RecoveryRequest, caller model.Address) error {
	if _, err := m.vault.SubmitCancelRecovery(ctx, m.accountID, req.ID); err != nil {
		return fmt.Errorf("submit cancel recovery: %w", err)
	}

	data := map[string]any{
		"request_id":   req.ID,
		"cancelled_by": caller,
	}
	if st, ok := m.state.(Timelocked); ok {
		st.Timelock.Cancel()
		data["credit_drawn"] = st.Credit.Drawn()
	}
	// A loan asked for by the rejected claimant must not outlive the request.
	if m.socialLoan.IsPending() && m.socialLoan.Requester.Equal(req.NewOwner) {
		m.socialLoan = nil
	}
	m.state = Secure{}
	m.emit(model.EventRecoveryCancelled, data)
	return nil
}

// Poll checks the timelock and finalizes the recovery the first time it
// has elapsed. It returns true when ownership moved. A failed finalize
// submission re-arms the timelock so a later poll retries it.
func (m *Machine) Poll(ctx context.Context) (bool, error) {
	st, ok := m.state.(Timelocked)
	if !ok {
		return false, nil
	}
	if !st.Timelock.Poll() {
		return false, nil
	}

	req := st.Request
	if _, err := m.vault.SubmitFinalizeRecovery(ctx, m.accountID, req.ID, req.NewOwner); err != nil {
		st.Timelock.rearm()
		return false, fmt.Errorf("submit finalize recovery: %w", err)
	}

	now := m.cfg.Clock.Now()
	previous := m.owner
	m.owner = req.NewOwner
	m.previousOwner = previous
	m.recoveredAt = &now
	m.state = Recovered{PreviousOwner: previous, RecoveredAt: now}
	m.emit(model.EventRecoveryFinalized, map[string]any{
		"request_id":     req.ID,
		"previous_owner": previous,
		"new_owner":      req.NewOwner,
		"credit_drawn":   st.Credit.Drawn(),
	})
	return true, nil
}

// Draw disburses amount from the emergency credit line. Only the current
// owner or the proposed new owner may draw, and only while the timelock
// window still has time left.
// drawID makes the draw idempotent: replaying a disbursed id returns the
// original draw with ErrDrawCompleted.
func (m *Machine) Draw(ctx context.Context, caller model.Address, drawID string, amount int64) (DrawResult, error) {
	st, ok := m.state.(Timelocked)
	if !ok {
		return DrawResult{}, ErrInvalidState
	}
	if !caller.Equal(m.owner) && !caller.Equal(st.Request.NewOwner) {
		return DrawResult{}, ErrNotAuthorized
	}
	if drawID == "" {
		drawID = m.cfg.NewID()
	}
	if st.Timelock.Expired() {
		// The line closes with the window; a replay still reports the
		// original draw since nothing moves.
		if prev, ok := st.Credit.findDraw(drawID); ok {
			return DrawResult{Draw: prev, Remaining: st.Credit.Remaining(), Exhausted: st.Credit.Exhausted()}, ErrDrawCompleted
		}
		return DrawResult{}, ErrInvalidState
	}

	res, err := m.credit.Draw(ctx, m.accountID, st.Credit, drawID, amount)
	if err != nil {
		return res, err
	}

	m.outstanding += amount
	m.emit(model.EventCreditDrawn, map[string]any{
		"draw_id":   res.Draw.ID,
		"amount":    res.Draw.Amount,
		"tx_hash":   res.Draw.TxHash,
		"drawn_by":  caller,
		"remaining": res.Remaining,
	})
	if res.Exhausted {
		m.emit(model.EventCreditExhausted, map[string]any{
			"request_id": st.Request.ID,
			"total":      st.Credit.Total(),
		})
	}
	return res, nil
}

func (m *Machine) emit(t model.EventType, data map[string]any) {
	recipients := append([]model.Address{m.owner}, m.registry.ActiveAddresses()...)
	m.events = append(m.events, model.Event{
		ID:         m.cfg.NewID(),
		Type:       t,
		AccountID:  m.accountID,
		OccurredAt: m.cfg.Clock.Now(),
		Recipients: recipients,
		Data:       data,
	})
}

func containsAddress(list []model.Address, addr model.Address) bool {
	return slices.ContainsFunc(list, addr.Equal)
}
