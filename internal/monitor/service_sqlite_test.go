package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-sentinel/internal/config"
	"trades-sentinel/internal/risk"
	"trades-sentinel/internal/store"
	"trades-sentinel/internal/trigger"
)

func TestService_SQLiteRoundTrip(t *testing.T) {
	s, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	require.NoError(t, err)
	defer s.Close()

	svc, err := NewService(s, nil)
	require.NoError(t, err)

	ctx := context.Background()
	svc.RecordRiskConfig(ctx, risk.Config{Symbol: "BTC/USDT:USDT", StopLossPct: 0.05}, false, "config")
	svc.RecordEngineState(ctx, true)
	svc.RecordTransition(trigger.Transition{
		Trigger: trigger.Trigger{ID: "t1", Symbol: "BTC/USDT:USDT", Kind: trigger.KindTakeProfit, UpdatedAt: time.Now()},
		From:    trigger.StatusPending,
		To:      trigger.StatusCancelled,
		Reason:  "position closed",
	})

	all, err := svc.ListEvents(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, EventTriggerTransition, all[0].Type)
	assert.Equal(t, EventRiskConfig, all[2].Type)

	btc, err := svc.ListEvents(ctx, Filter{Symbol: "BTC/USDT:USDT", Type: EventRiskConfig})
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.False(t, btc[0].Timestamp.IsZero())
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, nil)
	require.Error(t, err)
}
