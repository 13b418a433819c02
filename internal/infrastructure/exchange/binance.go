package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
)

const BinanceFuturesBaseURL = "https://fapi.binance.com"

// BinanceFutures implements domain.Exchange for Binance USDT-M futures.
type BinanceFutures struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
	log       *zap.Logger

	mu      sync.Mutex
	filters map[string]SymbolFilters
}

func NewBinanceFutures(apiKey, apiSecret, baseURL string, log *zap.Logger) *BinanceFutures {
	if baseURL == "" {
		baseURL = BinanceFuturesBaseURL
	}
	return &BinanceFutures{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log,
		filters:   make(map[string]SymbolFilters),
	}
}

func (b *BinanceFutures) Venue() string { return "binance_futures" }

func binanceSymbol(coin string) string { return strings.ToUpper(coin) + "USDT" }

func (b *BinanceFutures) sign(query string) string {
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// sendRequest issues a signed request. Venue rejections come back as a
// *venueRejection so callers can fold them into Result.Errors; transport
// failures come back as ordinary errors.
func (b *BinanceFutures) sendRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	query += "&signature=" + b.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var apiErr binanceError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return nil, &venueRejection{Code: apiErr.Code, Msg: apiErr.Msg}
		}
		return nil, fmt.Errorf("binance http %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// venueRejection is an order refused by the venue, as opposed to a
// transport failure. Both are reported through Result.Errors; the code is
// kept so the reduce-only retry can match on it.
type venueRejection struct {
	Code int
	Msg  string
}

func (e *venueRejection) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Msg)
}

func (b *BinanceFutures) setLeverage(ctx context.Context, symbol string, leverage int) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if _, err := b.sendRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params); err != nil {
		// Usually means the leverage is already set; never fatal for an entry.
		b.log.Warn("failed to set leverage",
			zap.String("symbol", symbol), zap.Int("leverage", leverage), zap.Error(err))
	}
}

type binanceOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
}

func (b *BinanceFutures) placeOrder(ctx context.Context, params url.Values) (*binanceOrder, error) {
	body, err := b.sendRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var order binanceOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return &order, nil
}

func orderIDString(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func (b *BinanceFutures) PlaceEntry(ctx context.Context, req domain.EntryRequest) domain.EntryResult {
	symbol := binanceSymbol(req.Coin)
	result := domain.EntryResult{Venue: b.Venue(), Extra: map[string]string{"symbol": symbol}}

	if req.Leverage > 0 {
		b.setLeverage(ctx, symbol, req.Leverage)
	}

	filters := b.filtersFor(ctx, symbol)
	qty := filters.SnapQuantity(req.Quantity, req.PriceHint)

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "ent-" + uuid.NewString()
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", orderSideFor(req.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("newClientOrderId", clientID)
	params.Set("newOrderRespType", "RESULT")

	order, err := b.placeOrder(ctx, params)
	if err != nil {
		result.Errors = append(result.Errors, "entry: "+err.Error())
		return result
	}

	result.EntryOrderID = orderIDString(order.OrderID)
	result.Extra["status"] = order.Status

	if rejectedStatus(order.Status) {
		result.Errors = append(result.Errors, "entry: status="+order.Status)
		return result
	}
	result.Success = true

	// SL/TP are attached only after a confirmed full fill; a resting or
	// partially filled entry gets no trigger orders this round.
	if order.Status != "FILLED" {
		b.log.Info("entry not fully filled; skipping SL/TP attachment",
			zap.String("symbol", symbol), zap.String("status", order.Status))
		return result
	}

	closeSide := orderSideFor(req.Side.Opposite())
	if req.StopLoss > 0 {
		slPrice := filters.SnapPrice(req.StopLoss, req.Side.Opposite(), domain.LiquidityTaker)
		id, err := b.placeTrigger(ctx, symbol, closeSide, "STOP_MARKET", qty, slPrice)
		if err != nil {
			result.Errors = append(result.Errors, "stop_loss: "+err.Error())
		} else {
			result.SLOrderID = id
		}
	}
	if req.TakeProfit > 0 {
		tpPrice := filters.SnapPrice(req.TakeProfit, req.Side.Opposite(), domain.LiquidityTaker)
		id, err := b.placeTrigger(ctx, symbol, closeSide, "TAKE_PROFIT_MARKET", qty, tpPrice)
		if err != nil {
			result.Errors = append(result.Errors, "take_profit: "+err.Error())
		} else {
			result.TPOrderID = id
		}
	}

	return result
}

func (b *BinanceFutures) placeTrigger(ctx context.Context, symbol, side, orderType string, qty, stopPrice float64) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", orderType)
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("stopPrice", strconv.FormatFloat(stopPrice, 'f', -1, 64))
	params.Set("reduceOnly", "true")

	order, err := b.placeOrder(ctx, params)
	if err != nil {
		return "", err
	}
	if rejectedStatus(order.Status) {
		return "", fmt.Errorf("status=%s", order.Status)
	}
	return orderIDString(order.OrderID), nil
}

func (b *BinanceFutures) ClosePosition(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
	symbol := binanceSymbol(req.Coin)
	result := domain.CloseResult{Venue: b.Venue(), Extra: map[string]string{"symbol": symbol}}

	qty := req.Quantity
	if qty <= 0 {
		live, err := b.livePositionQuantity(ctx, symbol)
		if err != nil {
			result.Errors = append(result.Errors, "close: "+err.Error())
			return result
		}
		qty = live
	}
	if qty <= 0 {
		// Nothing held on the venue side; treat as already closed.
		result.Success = true
		result.Extra["reason"] = "no live position to close"
		return result
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "cls-" + uuid.NewString()
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", orderSideFor(req.Side.Opposite()))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("reduceOnly", "true")
	params.Set("newClientOrderId", clientID)
	params.Set("newOrderRespType", "RESULT")

	order, err := b.placeOrder(ctx, params)
	if rejection, ok := err.(*venueRejection); ok && rejection.Code == -1106 &&
		strings.Contains(strings.ToLower(rejection.Msg), "reduceonly") {
		// Some account modes refuse the explicit flag; one retry without it.
		b.log.Warn("close rejected for reduceOnly parameter; retrying without it",
			zap.String("symbol", symbol))
		params.Del("reduceOnly")
		params.Set("newClientOrderId", "cls-"+uuid.NewString())
		order, err = b.placeOrder(ctx, params)
	}
	if err != nil {
		result.Errors = append(result.Errors, "close: "+err.Error())
		return result
	}

	result.CloseOrderID = orderIDString(order.OrderID)
	result.Extra["status"] = order.Status
	if rejectedStatus(order.Status) {
		result.Errors = append(result.Errors, "close: status="+order.Status)
		return result
	}
	result.Success = true
	return result
}

func (b *BinanceFutures) UpdateTPSL(ctx context.Context, coin string, side domain.Side, quantity, newSL, newTP float64) domain.TPSLResult {
	symbol := binanceSymbol(coin)
	result := domain.TPSLResult{Venue: b.Venue(), Extra: map[string]string{"symbol": symbol}}

	if newSL <= 0 && newTP <= 0 {
		result.Success = true
		result.Extra["reason"] = "no SL/TP values provided"
		return result
	}

	// Stale triggers must go before replacements land, otherwise a stop can
	// fire twice. A failed cancellation is logged but not blocking.
	if err := b.cancelTriggerOrders(ctx, symbol); err != nil {
		b.log.Warn("failed to cancel existing TP/SL orders",
			zap.String("symbol", symbol), zap.Error(err))
	}

	filters := b.filtersFor(ctx, symbol)
	closeSide := orderSideFor(side.Opposite())
	qty := filters.SnapQuantity(quantity, 0)

	if newSL > 0 {
		price := filters.SnapPrice(newSL, side.Opposite(), domain.LiquidityTaker)
		id, err := b.placeTrigger(ctx, symbol, closeSide, "STOP_MARKET", qty, price)
		if err != nil {
			result.Errors = append(result.Errors, "stop_loss: "+err.Error())
		} else {
			result.SLOrderID = id
		}
	}
	if newTP > 0 {
		price := filters.SnapPrice(newTP, side.Opposite(), domain.LiquidityTaker)
		id, err := b.placeTrigger(ctx, symbol, closeSide, "TAKE_PROFIT_MARKET", qty, price)
		if err != nil {
			result.Errors = append(result.Errors, "take_profit: "+err.Error())
		} else {
			result.TPOrderID = id
		}
	}

	result.Success = (newSL <= 0 || result.SLOrderID != "") && (newTP <= 0 || result.TPOrderID != "")
	if !result.Success && len(result.Errors) == 0 {
		result.Errors = append(result.Errors, "tpsl: order not accepted")
	}
	return result
}

func (b *BinanceFutures) cancelTriggerOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return err
	}

	var orders []struct {
		OrderID int64  `json:"orderId"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(body, &orders); err != nil {
		return err
	}

	for _, o := range orders {
		if o.Type != "STOP_MARKET" && o.Type != "TAKE_PROFIT_MARKET" {
			continue
		}
		cancel := url.Values{}
		cancel.Set("symbol", symbol)
		cancel.Set("orderId", strconv.FormatInt(o.OrderID, 10))
		if _, err := b.sendRequest(ctx, http.MethodDelete, "/fapi/v1/order", cancel); err != nil {
			b.log.Warn("failed to cancel trigger order",
				zap.Int64("order_id", o.OrderID), zap.Error(err))
		}
	}
	return nil
}

func (b *BinanceFutures) livePositionQuantity(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return 0, err
	}
	var list []struct {
		PositionAmt string `json:"positionAmt"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return 0, err
	}
	var total float64
	for _, p := range list {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt < 0 {
			amt = -amt
		}
		total += amt
	}
	return total, nil
}

func (b *BinanceFutures) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v2/account", nil)
	if err != nil {
		return nil, err
	}

	var account struct {
		TotalWalletBalance         string `json:"totalWalletBalance"`
		AvailableBalance           string `json:"availableBalance"`
		TotalPositionInitialMargin string `json:"totalPositionInitialMargin"`
		Positions                  []struct {
			Symbol        string `json:"symbol"`
			PositionAmt   string `json:"positionAmt"`
			EntryPrice    string `json:"entryPrice"`
			Leverage      string `json:"leverage"`
			PositionSide  string `json:"positionSide"`
			InitialMargin string `json:"initialMargin"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, err
	}

	snapshot := &domain.AccountSnapshot{Venue: b.Venue()}
	snapshot.Balance, _ = strconv.ParseFloat(account.AvailableBalance, 64)
	snapshot.TotalEquity, _ = strconv.ParseFloat(account.TotalWalletBalance, 64)
	snapshot.TotalMargin, _ = strconv.ParseFloat(account.TotalPositionInitialMargin, 64)

	for _, p := range account.Positions {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		side := domain.SideLong
		if p.PositionSide == "SHORT" || (p.PositionSide != "LONG" && amt < 0) {
			side = domain.SideShort
		}
		if amt < 0 {
			amt = -amt
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		lev, _ := strconv.Atoi(p.Leverage)
		margin, _ := strconv.ParseFloat(p.InitialMargin, 64)
		snapshot.Positions = append(snapshot.Positions, &domain.Position{
			Coin:       strings.TrimSuffix(p.Symbol, "USDT"),
			Venue:      b.Venue(),
			Side:       side,
			Quantity:   amt,
			EntryPrice: entry,
			Leverage:   lev,
			Margin:     margin,
		})
	}

	return snapshot, nil
}

func (b *BinanceFutures) FetchIncome(ctx context.Context, start, end time.Time) (*domain.AuditReport, error) {
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(start.UTC().UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UTC().UnixMilli(), 10))
	params.Set("limit", "1000")

	body, err := b.sendRequest(ctx, http.MethodGet, "/fapi/v1/income", params)
	if err != nil {
		return nil, err
	}

	var incomes []struct {
		Symbol     string `json:"symbol"`
		IncomeType string `json:"incomeType"`
		Income     string `json:"income"`
	}
	if err := json.Unmarshal(body, &incomes); err != nil {
		return nil, err
	}

	report := domain.NewAuditReport(b.Venue(), start, end)
	for _, item := range incomes {
		amount, err := strconv.ParseFloat(item.Income, 64)
		if err != nil || amount == 0 {
			continue
		}
		symbol := item.Symbol
		if symbol == "" {
			symbol = "(unknown)"
		}
		switch strings.ToUpper(item.IncomeType) {
		case "FUNDING_FEE":
			report.FundingTotal += amount
			report.FundingBySymbol[symbol] += amount
		case "REALIZED_PNL":
			report.SettlementTotal += amount
			report.SettlementBySource["RealizedPnl"] += amount
		case "COMMISSION":
			report.SettlementTotal += amount
			report.SettlementBySource["TradingFees"] += amount
		default:
			label := item.IncomeType
			if label == "" {
				label = "Other"
			}
			report.SettlementTotal += amount
			report.SettlementBySource[label] += amount
		}
	}
	return report, nil
}

// filtersFor returns cached symbol filters, loading exchangeInfo on first
// use. A load failure falls back to zero filters (no snapping) so an entry
// is never blocked on metadata.
func (b *BinanceFutures) filtersFor(ctx context.Context, symbol string) SymbolFilters {
	b.mu.Lock()
	if f, ok := b.filters[symbol]; ok {
		b.mu.Unlock()
		return f
	}
	b.mu.Unlock()

	f, err := b.loadFilters(ctx, symbol)
	if err != nil {
		b.log.Warn("failed to load symbol filters", zap.String("symbol", symbol), zap.Error(err))
		return SymbolFilters{}
	}

	b.mu.Lock()
	b.filters[symbol] = f
	b.mu.Unlock()
	return f
}

func (b *BinanceFutures) loadFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.baseURL+"/fapi/v1/exchangeInfo?symbol="+symbol, nil)
	if err != nil {
		return SymbolFilters{}, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return SymbolFilters{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SymbolFilters{}, err
	}

	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return SymbolFilters{}, err
	}

	var out SymbolFilters
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				out.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
			case "LOT_SIZE":
				out.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
				out.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
			case "MIN_NOTIONAL":
				out.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
			}
		}
	}
	if out.TickSize == 0 && out.StepSize == 0 {
		return out, fmt.Errorf("symbol %s not found in exchangeInfo", symbol)
	}
	return out, nil
}

func orderSideFor(side domain.Side) string {
	if side == domain.SideLong {
		return "BUY"
	}
	return "SELL"
}

func rejectedStatus(status string) bool {
	switch strings.ToUpper(status) {
	case "REJECTED", "EXPIRED", "CANCELED", "CANCELLED":
		return true
	}
	return false
}
