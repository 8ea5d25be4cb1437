package execution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-sentinel/internal/exchange"
)

type mockGateway struct {
	mu        sync.Mutex
	requests  []exchange.OrderRequest
	submitErr error
	cancelErr error
	release   chan struct{}
	open      []exchange.OrderStatus
}

func (m *mockGateway) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.submitErr != nil {
		return "", m.submitErr
	}
	return "order-" + req.ClientOrderID, nil
}

func (m *mockGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return m.cancelErr
}

func (m *mockGateway) FetchOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderStatus, error) {
	return m.open, nil
}

func (m *mockGateway) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func sellReq(id string) SubmitRequest {
	return SubmitRequest{
		TriggerID:  id,
		Symbol:     "BTC/USDT:USDT",
		Side:       SideSell,
		Size:       2,
		Template:   Market{},
		ReduceOnly: true,
	}
}

func TestDispatcher_SubmitBuildsReduceOnlyMarketOrder(t *testing.T) {
	gw := &mockGateway{}
	d := NewDispatcher(gw, Options{}, nil)

	res := d.Submit(context.Background(), sellReq("t1"))
	require.NoError(t, res.Err)
	assert.Equal(t, "order-t1", res.OrderID)

	require.Len(t, gw.requests, 1)
	got := gw.requests[0]
	assert.Equal(t, "market", got.Type)
	assert.Equal(t, "sell", got.Side)
	assert.Equal(t, 2.0, got.Amount)
	assert.True(t, got.ReduceOnly)
	assert.Equal(t, "t1", got.ClientOrderID)
}

func TestDispatcher_RejectsDuplicateAfterSuccess(t *testing.T) {
	gw := &mockGateway{}
	d := NewDispatcher(gw, Options{}, nil)

	require.NoError(t, d.Submit(context.Background(), sellReq("t1")).Err)
	res := d.Submit(context.Background(), sellReq("t1"))
	require.ErrorIs(t, res.Err, ErrDuplicateSubmission)
	assert.Equal(t, 1, gw.calls())
}

func TestDispatcher_AllowsRetryAfterFailure(t *testing.T) {
	gw := &mockGateway{submitErr: errors.New("insufficient margin")}
	d := NewDispatcher(gw, Options{}, nil)

	res := d.Submit(context.Background(), sellReq("t1"))
	require.ErrorIs(t, res.Err, exchange.ErrGatewayRejected)

	gw.submitErr = nil
	res = d.Submit(context.Background(), sellReq("t1"))
	require.NoError(t, res.Err)
	assert.Equal(t, 2, gw.calls())
}

func TestDispatcher_DispatchIsAsyncAndDeduplicatesInflight(t *testing.T) {
	gw := &mockGateway{release: make(chan struct{})}
	d := NewDispatcher(gw, Options{}, nil)

	results := make(chan Result, 2)
	d.SetSink(func(r Result) { results <- r })

	require.NoError(t, d.Dispatch(sellReq("t1")))
	require.ErrorIs(t, d.Dispatch(sellReq("t1")), ErrDuplicateSubmission)

	close(gw.release)
	res := <-results
	d.Wait()

	require.NoError(t, res.Err)
	assert.Equal(t, "t1", res.TriggerID)
	assert.Equal(t, 1, gw.calls())
}

func TestDispatcher_DispatchValidates(t *testing.T) {
	d := NewDispatcher(&mockGateway{}, Options{}, nil)

	req := sellReq("t1")
	req.Size = 0
	require.Error(t, d.Dispatch(req))

	req = sellReq("t2")
	req.Template = Limit{}
	require.Error(t, d.Dispatch(req))

	req = sellReq("t3")
	req.Side = "hold"
	require.Error(t, d.Dispatch(req))
}

func TestBuildOrderRequest_Templates(t *testing.T) {
	req := sellReq("t1")

	req.Template = Limit{Price: 99}
	order := buildOrderRequest(req)
	assert.Equal(t, "limit", order.Type)
	assert.Equal(t, 99.0, order.Price)

	req.Template = Conditional{TriggerPrice: 95}
	order = buildOrderRequest(req)
	assert.Equal(t, "market", order.Type)
	assert.Equal(t, 95.0, order.TriggerPrice)

	req.Template = Conditional{TriggerPrice: 95, OrderPrice: 94.5}
	order = buildOrderRequest(req)
	assert.Equal(t, "limit", order.Type)
	assert.Equal(t, 94.5, order.Price)
}

func TestDispatcher_CancelNotFoundIsNoop(t *testing.T) {
	gw := &mockGateway{cancelErr: exchange.ErrOrderNotFound}
	d := NewDispatcher(gw, Options{}, nil)
	require.NoError(t, d.Cancel(context.Background(), "BTC/USDT:USDT", "1"))

	gw.cancelErr = exchange.ErrGatewayUnavailable
	require.ErrorIs(t, d.Cancel(context.Background(), "BTC/USDT:USDT", "1"), exchange.ErrGatewayUnavailable)
}

func TestDispatcher_ActiveOrders(t *testing.T) {
	gw := &mockGateway{open: []exchange.OrderStatus{{ID: "1", ClientOrderID: "t1", Symbol: "BTC/USDT:USDT", Side: "sell", Status: "open", Amount: 1}}}
	d := NewDispatcher(gw, Options{}, nil)

	orders, err := d.ActiveOrders(context.Background(), "BTC/USDT:USDT")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "t1", orders[0].ClientOrderID)
}
