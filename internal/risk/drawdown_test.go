package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/equityrun/internal/config"
)

func drawdownConfig(t *testing.T) config.DrawdownConfig {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	return cfg.Drawdown
}

func TestUpdateEquity_RungMapping(t *testing.T) {
	tests := []struct {
		name   string
		equity float64
		rung   int
		mult   float64
	}{
		{"flat equity stays rung 0", 100000, 0, 1.0},
		{"9 percent stays rung 0", 91000, 0, 1.0},
		{"10 percent hits rung 1", 90000, 1, 0.75},
		{"25 percent hits rung 2", 75000, 2, 0.50},
		{"33 percent hits rung 3", 67000, 3, 0.25},
		{"40 percent halts at rung 4", 60000, 4, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewDrawdownLadder(drawdownConfig(t), 100000)
			l.UpdateEquity(tt.equity, time.Now())
			assert.Equal(t, tt.rung, l.Rung())
			assert.Equal(t, tt.mult, l.Multiplier())
		})
	}
}

func TestRestore_SeedsLadderWithoutEvents(t *testing.T) {
	l := NewDrawdownLadder(drawdownConfig(t), 100000)
	var changes int
	l.OnRungChange(func(RungChange) { changes++ })

	l.Restore(120000, 96000, 2)
	assert.Equal(t, 2, l.Rung())
	assert.Equal(t, 0.50, l.Multiplier())
	assert.Equal(t, 0, changes, "restore fires no rung-change event")

	// Escalation after restore measures against the restored peak.
	l.UpdateEquity(80000, time.Now())
	assert.Equal(t, 3, l.Rung(), "33 percent off the restored peak")
	assert.Equal(t, 1, changes)
}

func TestUpdateEquity_RungIsMonotonic(t *testing.T) {
	l := NewDrawdownLadder(drawdownConfig(t), 100000)
	now := time.Now()

	// A choppy but non-improving drawdown sequence never lowers the rung.
	sequence := []float64{95000, 88000, 91000, 78000, 80000, 69000, 72000}
	prev := 0
	for _, eq := range sequence {
		l.UpdateEquity(eq, now)
		assert.GreaterOrEqual(t, l.Rung(), prev, "rung must not decrease on equity updates")
		prev = l.Rung()
	}
	assert.Equal(t, 3, l.Rung())

	// Even a full recovery in equity does not de-escalate without the
	// explicit recovery check.
	l.UpdateEquity(99000, now)
	assert.Equal(t, 3, l.Rung())
}

func TestRecoveryCheck_DeEscalatesOneRungWithHysteresis(t *testing.T) {
	l := NewDrawdownLadder(drawdownConfig(t), 100000)
	now := time.Now()

	l.UpdateEquity(75000, now) // 25% -> rung 2
	require.Equal(t, 2, l.Rung())

	// Drawdown improved to 19%: inside the 2% hysteresis band under the 20%
	// entry threshold, so no de-escalation.
	l.UpdateEquity(81000, now)
	change := l.RecoveryCheck(now.Add(25 * time.Hour))
	assert.Nil(t, change)
	assert.Equal(t, 2, l.Rung())

	// Improved to 15%: clearly below threshold minus hysteresis, drops one
	// rung only.
	l.UpdateEquity(85000, now)
	change = l.RecoveryCheck(now.Add(50 * time.Hour))
	require.NotNil(t, change)
	assert.Equal(t, 2, change.From)
	assert.Equal(t, 1, change.To)
	assert.Equal(t, 1, l.Rung())
}

func TestRecoveryCheck_RateLimitedByInterval(t *testing.T) {
	l := NewDrawdownLadder(drawdownConfig(t), 100000)
	now := time.Now()

	l.UpdateEquity(70000, now) // 30% -> rung 3
	require.Equal(t, 3, l.Rung())
	l.UpdateEquity(98000, now)

	require.NotNil(t, l.RecoveryCheck(now.Add(25*time.Hour)))
	// Second check inside the interval is a no-op even though further
	// de-escalation would otherwise qualify.
	assert.Nil(t, l.RecoveryCheck(now.Add(26*time.Hour)))
	assert.Equal(t, 2, l.Rung())
}

func TestReset_ClearsLadder(t *testing.T) {
	l := NewDrawdownLadder(drawdownConfig(t), 100000)
	now := time.Now()

	l.UpdateEquity(55000, now)
	require.Equal(t, 4, l.Rung())

	change := l.Reset(55000, now)
	require.NotNil(t, change)
	assert.Equal(t, 0, l.Rung())
	assert.Equal(t, 1.0, l.Multiplier())
	assert.InDelta(t, 0.0, l.View().DrawdownPct, 1e-9)
}

func TestOnRungChange_EmitsEveryTransition(t *testing.T) {
	l := NewDrawdownLadder(drawdownConfig(t), 100000)
	now := time.Now()

	var changes []RungChange
	l.OnRungChange(func(c RungChange) { changes = append(changes, c) })

	l.UpdateEquity(89000, now) // rung 1
	l.UpdateEquity(79000, now) // rung 2
	l.UpdateEquity(89000, now) // no transition
	require.Len(t, changes, 2)
	assert.Equal(t, 0, changes[0].From)
	assert.Equal(t, 1, changes[0].To)
	assert.Equal(t, 2, changes[1].To)
}
