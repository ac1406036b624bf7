package recovery

import (
	"errors"
	"time"

	"github.com/guardianvault/recoveryd/internal/model"
)

// Registry is the guardian set of one account and its quorum policy.
// Guardians are unique by address; insertion order is kept for display.
// The registry knows nothing about recovery phase; Machine enforces that.
type Registry struct {
	guardians []model.Guardian
	policy    QuorumPolicy
}

// NewRegistry creates a registry holding the given guardians.
func NewRegistry(policy QuorumPolicy, guardians ...model.Guardian) *Registry {
	if policy == nil {
		policy = MajorityQuorum{}
	}
	r := &Registry{policy: policy}
	for _, g := range guardians {
		if r.indexOf(g.Address) >= 0 {
			continue
		}
		r.guardians = append(r.guardians, g)
	}
	return r
}

// CheckAdd validates a guardian address for registration without applying it.
func (r *Registry) CheckAdd(address string) (model.Address, error) {
	addr, err := model.ParseAddress(address)
	if err != nil {
		if errors.Is(err, model.ErrInvalidAddress) {
			return "", ErrInvalidIdentifier
		}
		return "", err
	}
	if r.indexOf(addr) >= 0 {
		return "", ErrDuplicateGuardian
	}
	return addr, nil
}

// Add registers an Active guardian.
func (r *Registry) Add(address string, label string, now time.Time) (model.Guardian, error) {
	addr, err := r.CheckAdd(address)
	if err != nil {
		return model.Guardian{}, err
	}

	g := model.Guardian{
		Address: addr,
		Label:   label,
		Status:  model.GuardianActive,
		AddedAt: now,
	}
	r.guardians = append(r.guardians, g)
	return g, nil
}

// CheckRemove validates a removal without applying it.
func (r *Registry) CheckRemove(addr model.Address) error {
	i := r.indexOf(addr)
	if i < 0 {
		return ErrNotFound
	}

	if !r.guardians[i].IsActive() {
		return nil
	}
	remaining := r.ActiveCount() - 1
	if remaining < r.policy.Threshold(remaining) {
		return ErrQuorumUnreachable
	}
	return nil
}

// Remove unregisters a guardian. The Active count never drops below the
// quorum threshold.
func (r *Registry) Remove(addr model.Address) error {
	if err := r.CheckRemove(addr); err != nil {
		return err
	}
	i := r.indexOf(addr)
	r.guardians = append(r.guardians[:i], r.guardians[i+1:]...)
	return nil
}

// Contains reports whether addr is registered in any status.
func (r *Registry) Contains(addr model.Address) bool {
	return r.indexOf(addr) >= 0
}

// IsActive reports whether addr is a registered Active guardian.
func (r *Registry) IsActive(addr model.Address) bool {
	i := r.indexOf(addr)
	return i >= 0 && r.guardians[i].IsActive()
}

// ActiveCount returns the number of Active guardians.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, g := range r.guardians {
		if g.IsActive() {
			n++
		}
	}
	return n
}

// QuorumThreshold returns the approvals required under the current set.
func (r *Registry) QuorumThreshold() int {
	return r.policy.Threshold(r.ActiveCount())
}

// QuorumReachable reports whether the Active guardians can meet the threshold.
func (r *Registry) QuorumReachable() bool {
	active := r.ActiveCount()
	return active > 0 && active >= r.QuorumThreshold()
}

// Policy returns the quorum policy.
func (r *Registry) Policy() QuorumPolicy {
	return r.policy
}

// Guardians returns a copy of the guardian list in insertion order.
func (r *Registry) Guardians() []model.Guardian {
	out := make([]model.Guardian, len(r.guardians))
	copy(out, r.guardians)
	return out
}

// ActiveAddresses returns the addresses of Active guardians.
func (r *Registry) ActiveAddresses() []model.Address {
	out := make([]model.Address, 0, len(r.guardians))
	for _, g := range r.guardians {
		if g.IsActive() {
			out = append(out, g.Address)
		}
	}
	return out
}

func (r *Registry) indexOf(addr model.Address) int {
	for i, g := range r.guardians {
		if g.Address.Equal(addr) {
			return i
		}
	}
	return -1
}
