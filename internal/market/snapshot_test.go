package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_UpdateReplacesSnapshot(t *testing.T) {
	store := NewStore()

	_, ok := store.Get("BTC/USDT:USDT")
	assert.False(t, ok)

	now := time.Now()
	store.Update(Tick{Symbol: "BTC/USDT:USDT", Bid: 100, Ask: 101, Timestamp: now})
	store.Update(Tick{Symbol: "BTC/USDT:USDT", Bid: 102, Ask: 103, Timestamp: now.Add(time.Second)})

	tick, ok := store.Get("BTC/USDT:USDT")
	require.True(t, ok)
	assert.Equal(t, 102.0, tick.Bid)
	assert.Equal(t, 103.0, tick.Ask)
	assert.True(t, tick.Valid())
}

func TestTick_Valid(t *testing.T) {
	assert.False(t, Tick{Symbol: "X", Bid: 0, Ask: 1}.Valid())
	assert.False(t, Tick{Bid: 1, Ask: 1}.Valid())
}
