package dma

import "fmt"

// CheckMode controls when the channel refreshes hw from the position register
// and checks for overflow or underflow.
type CheckMode uint8

const (
	// CheckEveryAcquire refreshes and checks on every acquisition.
	CheckEveryAcquire CheckMode = iota
	// CheckWhenBlocked relies on completion callbacks and only refreshes and
	// checks when the ring is otherwise full (RX) or empty (TX), or before
	// waiting.
	CheckWhenBlocked
)

func (m CheckMode) String() string {
	switch m {
	case CheckEveryAcquire:
		return "every-acquire"
	case CheckWhenBlocked:
		return "when-blocked"
	default:
		return fmt.Sprintf("check-mode(%d)", uint8(m))
	}
}

// ParseCheckMode parses the String form of a CheckMode.
func ParseCheckMode(s string) (CheckMode, error) {
	switch s {
	case "", "every-acquire":
		return CheckEveryAcquire, nil
	case "when-blocked":
		return CheckWhenBlocked, nil
	}
	return 0, fmt.Errorf("unknown check mode %q", s)
}

// Policy tunes the counter protocol.
type Policy struct {
	// OverflowThreshold is the hw - sw lag, in slots, above which an RX
	// channel drains. Zero means half the slot count.
	OverflowThreshold int
	Check             CheckMode
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{Check: CheckEveryAcquire}
}

func (p Policy) threshold(n int) int64 {
	if p.OverflowThreshold <= 0 {
		return int64(n / 2)
	}
	return int64(p.OverflowThreshold)
}

// Validate checks p against a ring of n slots.
func (p Policy) Validate(n int) error {
	if p.OverflowThreshold < 0 || p.OverflowThreshold >= n {
		return fmt.Errorf("overflow threshold %d out of range [0, %d)", p.OverflowThreshold, n)
	}
	if p.Check > CheckWhenBlocked {
		return fmt.Errorf("invalid check mode %d", p.Check)
	}
	return nil
}
