package exchange_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
	"github.com/vitos/llm_trader/internal/infrastructure/exchange"
)

// bybitStub fakes the Bybit V5 REST API. Order creation responses are
// served in sequence; request payloads are recorded for assertions.
type bybitStub struct {
	t              *testing.T
	orderResps     []string
	orderCalls     []map[string]interface{}
	positionList   string
	positionStatus int
	tradingStops   []map[string]interface{}
	cancelAlls     int
}

const bybitOK = `{"retCode":0,"retMsg":"OK","result":{}}`

func (s *bybitStub) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/position/set-leverage", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, bybitOK)
	})
	mux.HandleFunc("/v5/market/instruments-info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{
			"priceFilter":{"tickSize":"0.10"},
			"lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","minNotionalValue":"5"}}]}}`)
	})
	mux.HandleFunc("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		s.orderCalls = append(s.orderCalls, payload)
		if len(s.orderResps) == 0 {
			s.t.Error("unexpected order request")
			fmt.Fprint(w, `{"retCode":10001,"retMsg":"unexpected"}`)
			return
		}
		resp := s.orderResps[0]
		s.orderResps = s.orderResps[1:]
		fmt.Fprint(w, resp)
	})
	mux.HandleFunc("/v5/position/list", func(w http.ResponseWriter, r *http.Request) {
		if s.positionStatus != 0 {
			http.Error(w, "gateway timeout", s.positionStatus)
			return
		}
		fmt.Fprint(w, s.positionList)
	})
	mux.HandleFunc("/v5/position/trading-stop", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		s.tradingStops = append(s.tradingStops, payload)
		fmt.Fprint(w, bybitOK)
	})
	mux.HandleFunc("/v5/order/cancel-all", func(w http.ResponseWriter, r *http.Request) {
		s.cancelAlls++
		fmt.Fprint(w, bybitOK)
	})
	return httptest.NewServer(mux)
}

func newBybit(t *testing.T, stub *bybitStub) (*exchange.Bybit, func()) {
	t.Helper()
	srv := stub.server()
	b := exchange.NewBybit("key", "secret", srv.URL, zap.NewNop())
	return b, srv.Close
}

func TestBybitPlaceEntryConfirmsFillAndSetsTradingStop(t *testing.T) {
	stub := &bybitStub{t: t,
		orderResps:   []string{`{"retCode":0,"retMsg":"OK","result":{"orderId":"abc-1","orderLinkId":"ent-x"}}`},
		positionList: `{"retCode":0,"retMsg":"OK","result":{"list":[{"side":"Buy","size":"0.123"}]}}`,
	}
	b, done := newBybit(t, stub)
	defer done()

	result := b.PlaceEntry(context.Background(), domain.EntryRequest{
		Coin:       "BTC",
		Side:       domain.SideLong,
		Quantity:   0.12345,
		PriceHint:  50000,
		StopLoss:   49000.05,
		TakeProfit: 52000.05,
		Leverage:   5,
	})

	require.True(t, result.Success)
	require.Empty(t, result.Errors)
	require.Equal(t, "abc-1", result.EntryOrderID)

	require.Len(t, stub.orderCalls, 1)
	order := stub.orderCalls[0]
	require.Equal(t, "Buy", order["side"])
	require.Equal(t, "Market", order["orderType"])
	require.Equal(t, "IOC", order["timeInForce"])
	require.Equal(t, "0.123", order["qty"])

	require.Len(t, stub.tradingStops, 1)
	ts := stub.tradingStops[0]
	require.Equal(t, "49000", ts["stopLoss"])
	require.Equal(t, "52000", ts["takeProfit"])
	require.Equal(t, "Full", ts["tpslMode"])
}

func TestBybitPlaceEntryFailsWhenNoPositionAppears(t *testing.T) {
	stub := &bybitStub{t: t,
		orderResps:   []string{`{"retCode":0,"retMsg":"OK","result":{"orderId":"abc-2"}}`},
		positionList: `{"retCode":0,"retMsg":"OK","result":{"list":[{"side":"Buy","size":"0"}]}}`,
	}
	b, done := newBybit(t, stub)
	defer done()

	result := b.PlaceEntry(context.Background(), domain.EntryRequest{
		Coin: "BTC", Side: domain.SideLong, Quantity: 0.1, PriceHint: 50000,
	})

	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	require.Empty(t, stub.tradingStops)
}

func TestBybitPlaceEntryUnconfirmedFillIsFailure(t *testing.T) {
	stub := &bybitStub{t: t,
		orderResps:     []string{`{"retCode":0,"retMsg":"OK","result":{"orderId":"abc-3"}}`},
		positionStatus: http.StatusGatewayTimeout,
	}
	b, done := newBybit(t, stub)
	defer done()

	result := b.PlaceEntry(context.Background(), domain.EntryRequest{
		Coin: "BTC", Side: domain.SideLong, Quantity: 0.1, PriceHint: 50000,
		StopLoss: 49000, TakeProfit: 52000,
	})

	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	require.Contains(t, result.Errors[0], "entry_confirm")
	require.Empty(t, stub.tradingStops)
}

func TestBybitPlaceEntryVenueRejection(t *testing.T) {
	stub := &bybitStub{t: t,
		orderResps: []string{`{"retCode":110007,"retMsg":"ab not enough for new order"}`},
	}
	b, done := newBybit(t, stub)
	defer done()

	result := b.PlaceEntry(context.Background(), domain.EntryRequest{
		Coin: "BTC", Side: domain.SideShort, Quantity: 0.1, PriceHint: 50000,
	})

	require.False(t, result.Success)
	require.NotEmpty(t, result.Errors)
	require.Contains(t, result.Errors[0], "110007")
}

func TestBybitCloseRetriesWithoutReduceOnly(t *testing.T) {
	stub := &bybitStub{t: t,
		orderResps: []string{
			`{"retCode":110017,"retMsg":"Reduce-only rule not satisfied"}`,
			`{"retCode":0,"retMsg":"OK","result":{"orderId":"close-9"}}`,
		},
	}
	b, done := newBybit(t, stub)
	defer done()

	result := b.ClosePosition(context.Background(), domain.CloseRequest{
		Coin: "BTC", Side: domain.SideLong, Quantity: 0.1,
	})

	require.True(t, result.Success)
	require.Equal(t, "close-9", result.CloseOrderID)
	require.Len(t, stub.orderCalls, 2)
	require.Equal(t, true, stub.orderCalls[0]["reduceOnly"])
	_, hasFlag := stub.orderCalls[1]["reduceOnly"]
	require.False(t, hasFlag)
	// the closing order is on the opposite side of the held position
	require.Equal(t, "Sell", stub.orderCalls[0]["side"])
}

func TestBybitCloseNoLivePositionIsSuccess(t *testing.T) {
	stub := &bybitStub{t: t,
		positionList: `{"retCode":0,"retMsg":"OK","result":{"list":[]}}`,
	}
	b, done := newBybit(t, stub)
	defer done()

	result := b.ClosePosition(context.Background(), domain.CloseRequest{
		Coin: "BTC", Side: domain.SideLong,
	})

	require.True(t, result.Success)
	require.Empty(t, stub.orderCalls)
}

func TestBybitUpdateTPSL(t *testing.T) {
	stub := &bybitStub{t: t}
	b, done := newBybit(t, stub)
	defer done()

	result := b.UpdateTPSL(context.Background(), "BTC", domain.SideLong, 0.1, 48000, 53000)

	require.True(t, result.Success)
	require.Equal(t, 1, stub.cancelAlls)
	require.Len(t, stub.tradingStops, 1)
	require.Equal(t, "48000", stub.tradingStops[0]["stopLoss"])
	require.Equal(t, "53000", stub.tradingStops[0]["takeProfit"])
}

func TestBybitUpdateTPSLRepeatedIsIdempotent(t *testing.T) {
	stub := &bybitStub{t: t}
	b, done := newBybit(t, stub)
	defer done()

	first := b.UpdateTPSL(context.Background(), "BTC", domain.SideLong, 0.1, 48000, 53000)
	second := b.UpdateTPSL(context.Background(), "BTC", domain.SideLong, 0.1, 48000, 53000)

	require.True(t, first.Success)
	require.True(t, second.Success)
	require.Equal(t, 2, stub.cancelAlls)
	require.Len(t, stub.tradingStops, 2)
	require.Equal(t, stub.tradingStops[0]["stopLoss"], stub.tradingStops[1]["stopLoss"])
	require.Equal(t, stub.tradingStops[0]["takeProfit"], stub.tradingStops[1]["takeProfit"])
}

func TestBybitFetchIncomeAggregates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v5/account/transaction-log", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","type":"SETTLEMENT","funding":"-0.8","fee":"0","change":"-0.8"},
			{"symbol":"BTCUSDT","type":"TRADE","funding":"0","fee":"-1.2","change":"95.0"},
			{"symbol":"ETHUSDT","type":"SETTLEMENT","funding":"0.3","fee":"0","change":"0.3"}]}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := exchange.NewBybit("key", "secret", srv.URL, zap.NewNop())
	report, err := b.FetchIncome(context.Background(), time.Now().Add(-24*time.Hour), time.Now())
	require.NoError(t, err)

	require.InDelta(t, -0.5, report.FundingTotal, 1e-9)
	require.InDelta(t, -0.8, report.FundingBySymbol["BTCUSDT"], 1e-9)
	// trade fee plus trade PnL change
	require.InDelta(t, 93.8, report.SettlementTotal, 1e-9)
	require.InDelta(t, 95.0, report.SettlementBySource["RealizedPnl"], 1e-9)
	require.InDelta(t, -1.2, report.SettlementBySource["TradingFees"], 1e-9)
}
