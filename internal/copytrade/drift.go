package copytrade

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia/settlement-engine/internal/model"
)

// StepInput is everything a Model may use to advance one position.
type StepInput struct {
	TraderID   string
	Allocation decimal.Decimal
	CurrentPnL decimal.Decimal
	State      model.SimulationState
	StartedAt  time.Time
	Now        time.Time
}

// Model advances the simulated PnL of a position by one tick. It returns
// the new PnL and the new model state, both of which the engine persists.
type Model interface {
	Step(in StepInput) (decimal.Decimal, model.SimulationState)
}

// PnLScale is the number of decimal places PnL is rounded to.
var PnLScale int32 = 8

// DriftModel is the default simulation: a momentum-smoothed random walk
// around the trader's daily drift.
//
//   - momentum is an exponentially weighted average of standard normal shocks
//   - each step moves PnL by at most MaxStep of the allocation
//   - PnL never falls below -allocation
//   - volatility ramps up linearly over WarmUp after the position starts
//
// Float math is confined to the step fraction; money stays decimal.
type DriftModel struct {
	// MaxStep bounds one step as a fraction of the allocation.
	MaxStep float64

	// Smoothing is the weight of the previous momentum, in [0, 1).
	Smoothing float64

	// StepsPerDay converts the daily drift into a per-tick drift.
	StepsPerDay float64

	// WarmUp is how long after start volatility takes to reach full size.
	WarmUp time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDriftModel creates a drift model. A fixed seed gives a reproducible path.
func NewDriftModel(seed int64) *DriftModel {
	return &DriftModel{
		MaxStep:     0.01,
		Smoothing:   0.8,
		StepsPerDay: 288, // one tick every 5 minutes
		WarmUp:      time.Hour,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (m *DriftModel) shock() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.NormFloat64()
}

// Step implements Model.
func (m *DriftModel) Step(in StepInput) (decimal.Decimal, model.SimulationState) {
	st := in.State
	st.Momentum = m.Smoothing*st.Momentum + (1-m.Smoothing)*m.shock()

	vol := st.Volatility
	if age := in.Now.Sub(in.StartedAt); m.WarmUp > 0 && age < m.WarmUp {
		vol *= math.Max(age.Seconds(), 0) / m.WarmUp.Seconds()
	}

	frac := st.DailyDrift/m.StepsPerDay + vol*st.Momentum
	frac = math.Max(-m.MaxStep, math.Min(m.MaxStep, frac))

	delta := in.Allocation.Mul(decimal.NewFromFloat(frac))
	pnl := in.CurrentPnL.Add(delta)
	if floor := in.Allocation.Neg(); pnl.LessThan(floor) {
		pnl = floor
	}
	return pnl.Round(PnLScale), st
}

// InitialState derives the model parameters for a new position from the
// trader's cached stats: drift from monthly ROI, volatility from win rate.
func InitialState(stats model.TraderStats) model.SimulationState {
	roi, _ := stats.MonthlyROI.Float64()
	win, _ := stats.WinRate.Float64()
	win = math.Max(0, math.Min(1, win))
	return model.SimulationState{
		Momentum:   0,
		DailyDrift: roi / 30,
		Volatility: 0.001 + 0.004*(1-win),
	}
}
