package engine

import (
	"fmt"
	"time"

	"github.com/govm-net/pagevm/types"
)

// Gas prices of host-side work. Guest instructions are not metered;
// runaway guest code is bounded by deadline preemption derived from the
// remaining gas, which exhausts the whole budget.
const (
	CostCallBase    uint64 = 500
	CostQueryBase   uint64 = 150
	CostEmitBase    uint64 = 100
	CostOwner       uint64 = 50
	CostDebug       uint64 = 10
	CostPerByte     uint64 = 1
	CostFeedPerByte uint64 = 1
)

// PointPassPct is the share of the caller's remaining gas a nested
// inter-contract call may receive, in percent.
const PointPassPct uint64 = 93

// gasPerMillisecond converts a gas budget into the wall-clock budget
// used to preempt runaway guest code.
const gasPerMillisecond = 10_000

// GasMeter tracks the gas budget of one call frame. Charges past the
// limit exhaust the meter and fail with ErrOutOfGas.
type GasMeter struct {
	limit uint64
	spent uint64
}

// NewGasMeter returns a meter with the given limit.
func NewGasMeter(limit uint64) *GasMeter {
	return &GasMeter{limit: limit}
}

// Charge consumes gas. When the charge exceeds the remaining budget
// the meter is exhausted and ErrOutOfGas is returned.
func (m *GasMeter) Charge(amount uint64) error {
	if amount > m.limit-m.spent {
		m.spent = m.limit
		return fmt.Errorf("%w: limit %d", types.ErrOutOfGas, m.limit)
	}
	m.spent += amount
	return nil
}

// Exhaust consumes the whole remaining budget. Used when the guest is
// preempted: the time the guest ran was paid for by its entire limit.
func (m *GasMeter) Exhaust() {
	m.spent = m.limit
}

// Limit returns the meter's limit.
func (m *GasMeter) Limit() uint64 { return m.limit }

// Spent returns the gas consumed so far.
func (m *GasMeter) Spent() uint64 { return m.spent }

// Remaining returns the gas left in the budget.
func (m *GasMeter) Remaining() uint64 { return m.limit - m.spent }

// timeBudget converts the remaining gas into the wall-clock deadline
// applied to guest execution.
func (m *GasMeter) timeBudget() time.Duration {
	d := time.Duration(m.Remaining()/gasPerMillisecond) * time.Millisecond
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
