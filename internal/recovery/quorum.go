package recovery

import (
	"fmt"
	"strconv"
	"strings"
)

// QuorumPolicy derives the number of distinct guardian approvals required
// from the number of Active guardians.
type QuorumPolicy interface {
	Threshold(active int) int
	String() string
}

// MajorityQuorum requires a strict majority of Active guardians, minimum 1.
type MajorityQuorum struct{}

// Threshold returns floor(active/2)+1.
func (MajorityQuorum) Threshold(active int) int {
	if active <= 0 {
		return 1
	}
	return active/2 + 1
}

func (MajorityQuorum) String() string { return "majority" }

// FixedQuorum requires exactly N approvals regardless of guardian count.
type FixedQuorum struct {
	N int
}

// Threshold returns N, minimum 1.
func (q FixedQuorum) Threshold(int) int {
	if q.N < 1 {
		return 1
	}
	return q.N
}

func (q FixedQuorum) String() string { return fmt.Sprintf("fixed:%d", q.N) }

// ParseQuorumPolicy parses "majority" or "fixed:N".
func ParseQuorumPolicy(s string) (QuorumPolicy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "" || s == "majority":
		return MajorityQuorum{}, nil
	case strings.HasPrefix(s, "fixed:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "fixed:"))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid fixed quorum %q", s)
		}
		return FixedQuorum{N: n}, nil
	default:
		return nil, fmt.Errorf("unknown quorum policy %q", s)
	}
}
