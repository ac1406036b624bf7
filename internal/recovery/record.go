package recovery

import (
	"fmt"
	"slices"
	"time"

	"github.com/guardianvault/recoveryd/internal/model"
)

// Restore rebuilds the machine of an account from its durable record. A
// running timelock resumes from its persisted start instant, so time spent
// while no process held the account still counts.
func Restore(rec *model.AccountRecord, vault VaultGateway, loans LoanGateway, cfg MachineConfig) (*Machine, error) {
	cfg = cfg.withDefaults()
	m := &Machine{
		cfg:           cfg,
		vault:         vault,
		credit:        NewCreditEngine(loans, cfg.Clock),
		accountID:     rec.ID,
		owner:         rec.Owner,
		registry:      NewRegistry(cfg.Policy, rec.Guardians...),
		outstanding:   rec.Outstanding,
		previousOwner: rec.PreviousOwner,
		version:       rec.Version,
		createdAt:     rec.CreatedAt,
	}
	if rec.RecoveredAt != nil {
		t := *rec.RecoveredAt
		m.recoveredAt = &t
	}
	if rec.SocialLoan != nil {
		loan := *rec.SocialLoan
		loan.Approvals = slices.Clone(rec.SocialLoan.Approvals)
		m.socialLoan = &loan
	}

	switch rec.Phase {
	case model.PhaseSecure:
		m.state = Secure{}
	case model.PhaseRecovered:
		var at time.Time
		if m.recoveredAt != nil {
			at = *m.recoveredAt
		}
		m.state = Recovered{PreviousOwner: m.previousOwner, RecoveredAt: at}
	case model.PhasePendingApproval:
		if rec.Request == nil {
			return nil, fmt.Errorf("account %s: pending approval without request", rec.ID)
		}
		m.state = PendingApproval{Request: cloneRequest(rec.Request)}
	case model.PhaseTimelocked:
		if rec.Request == nil || rec.Timelock == nil || rec.Credit == nil {
			return nil, fmt.Errorf("account %s: timelocked record is incomplete", rec.ID)
		}
		timelock := NewTimelockScheduler(cfg.Clock)
		timelock.Resume(rec.Timelock.StartedAt, rec.Timelock.Duration)
		m.state = Timelocked{
			Request:  cloneRequest(rec.Request),
			Timelock: timelock,
			Credit: &CreditLine{
				episode: rec.Request.ID,
				total:   rec.Credit.Total,
				drawn:   rec.Credit.Drawn,
				draws:   slices.Clone(rec.Credit.Draws),
			},
		}
	default:
		return nil, fmt.Errorf("account %s: unknown phase %q", rec.ID, rec.Phase)
	}
	return m, nil
}

// Record returns the durable form of the machine. Version is the one the
// machine was restored from; the store advances it on save.
func (m *Machine) Record() *model.AccountRecord {
	rec := &model.AccountRecord{
		ID:            m.accountID,
		Owner:         m.owner,
		Phase:         m.state.Phase(),
		Guardians:     m.registry.Guardians(),
		PreviousOwner: m.previousOwner,
		Outstanding:   m.outstanding,
		SocialLoan:    m.SocialLoan(),
		Version:       m.version,
		CreatedAt:     m.createdAt,
		UpdatedAt:     m.cfg.Clock.Now(),
	}
	if m.recoveredAt != nil {
		t := *m.recoveredAt
		rec.RecoveredAt = &t
	}
	if rec.SocialLoan != nil {
		rec.SocialLoan.Approvals = slices.Clone(rec.SocialLoan.Approvals)
	}

	switch st := m.state.(type) {
	case PendingApproval:
		rec.Request = cloneRequest(st.Request)
	case Timelocked:
		rec.Request = cloneRequest(st.Request)
		rec.Credit = st.Credit.record()
		rec.Timelock = st.Timelock.Window()
	}
	return rec
}

func cloneRequest(r *model.RecoveryRequest) *model.RecoveryRequest {
	c := *r
	c.Approvals = slices.Clone(r.Approvals)
	if c.Approvals == nil {
		c.Approvals = []model.Address{}
	}
	c.CancelVotes = slices.Clone(r.CancelVotes)
	return &c
}
