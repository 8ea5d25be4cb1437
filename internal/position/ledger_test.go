package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_ApplyDiffsMaterialFields(t *testing.T) {
	ledger := NewLedger()
	now := time.Now()

	pos, changed := ledger.Apply(Update{Symbol: "X", Side: "long", Size: 5, EntryPrice: 100, Timestamp: now})
	require.True(t, changed)
	assert.Equal(t, SideLong, pos.Side)
	assert.Equal(t, 5.0, pos.Size)

	_, changed = ledger.Apply(Update{Symbol: "X", Side: "long", Size: 5, EntryPrice: 100, UnrealizedPnlPct: 3, Timestamp: now})
	assert.False(t, changed, "仅收益变化不应视为变化")
	assert.Equal(t, 3.0, ledger.Get("X").UnrealizedPnlPct)

	_, changed = ledger.Apply(Update{Symbol: "X", Side: "long", Size: 3, EntryPrice: 100, Timestamp: now})
	assert.True(t, changed)

	pos, changed = ledger.Apply(Update{Symbol: "X", Size: 0, Timestamp: now})
	assert.True(t, changed)
	assert.True(t, pos.IsFlat())
	assert.Equal(t, SideFlat, ledger.Get("X").Side)

	_, changed = ledger.Apply(Update{Symbol: "X", Side: "flat", Timestamp: now})
	assert.False(t, changed, "空仓到空仓不应视为变化")
}

func TestNormalize_InfersSideFromSignedSize(t *testing.T) {
	pos := Normalize(Update{Symbol: "X", Size: -2, EntryPrice: 50})
	assert.Equal(t, SideShort, pos.Side)
	assert.Equal(t, 2.0, pos.Size)

	pos = Normalize(Update{Symbol: "X", Side: "net", Size: 1.5})
	assert.Equal(t, SideLong, pos.Side)
}

func TestLedger_GetUnknownReturnsFlat(t *testing.T) {
	ledger := NewLedger()
	pos := ledger.Get("UNKNOWN")
	assert.True(t, pos.IsFlat())
	assert.Equal(t, "UNKNOWN", pos.Symbol)
}
