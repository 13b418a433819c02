package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
)

const BybitBaseURL = "https://api.bybit.com"

// Bybit reduce-only rule rejection; the single documented retry drops the
// flag when the venue refuses it.
const bybitReduceOnlyErrCode = 110017

// Bybit implements domain.Exchange for Bybit V5 linear perpetuals.
type Bybit struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
	log       *zap.Logger

	mu      sync.Mutex
	filters map[string]SymbolFilters
}

func NewBybit(apiKey, apiSecret, baseURL string, log *zap.Logger) *Bybit {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	return &Bybit{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log,
		filters:   make(map[string]SymbolFilters),
	}
}

func (b *Bybit) Venue() string { return "bybit" }

func bybitSymbol(coin string) string { return strings.ToUpper(coin) + "USDT" }

func (b *Bybit) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *Bybit) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == http.MethodGet {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp, recvWindow))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bybit http %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// call sends a signed request and unwraps the retCode envelope. A non-zero
// retCode comes back as a *venueRejection so callers can fold it into
// Result.Errors and match on the code for the reduce-only retry.
func (b *Bybit) call(ctx context.Context, method, path string, payload map[string]interface{}) (json.RawMessage, error) {
	body, err := b.sendRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	var envelope bybitEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode bybit response: %w", err)
	}
	if envelope.RetCode != 0 {
		return nil, &venueRejection{Code: envelope.RetCode, Msg: envelope.RetMsg}
	}
	return envelope.Result, nil
}

func (b *Bybit) setLeverage(ctx context.Context, symbol string, leverage int) {
	payload := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	// Often fails when the leverage is already set; never fatal for an entry.
	if _, err := b.call(ctx, http.MethodPost, "/v5/position/set-leverage", payload); err != nil {
		b.log.Warn("failed to set leverage",
			zap.String("symbol", symbol), zap.Int("leverage", leverage), zap.Error(err))
	}
}

func bybitOrderSide(side domain.Side) string {
	if side == domain.SideLong {
		return "Buy"
	}
	return "Sell"
}

type bybitOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

func (b *Bybit) createOrder(ctx context.Context, payload map[string]interface{}) (*bybitOrderResult, error) {
	raw, err := b.call(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return nil, err
	}
	var order bybitOrderResult
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, fmt.Errorf("decode order result: %w", err)
	}
	return &order, nil
}

func (b *Bybit) PlaceEntry(ctx context.Context, req domain.EntryRequest) domain.EntryResult {
	symbol := bybitSymbol(req.Coin)
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

	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        bybitOrderSide(req.Side),
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"timeInForce": "IOC",
		"orderLinkId": clientID,
	}

	order, err := b.createOrder(ctx, payload)
	if err != nil {
		result.Errors = append(result.Errors, "entry: "+err.Error())
		return result
	}
	result.Success = true
	result.EntryOrderID = order.OrderID

	// Market IOC either fills or is gone; a zero live position means no fill
	// and no triggers to attach. An unconfirmed fill counts as no fill so the
	// caller never books a position the venue may not hold; startup
	// reconciliation surfaces the position if the order did go through.
	liveQty, _, err := b.livePosition(ctx, symbol)
	if err != nil {
		result.Errors = append(result.Errors, "entry_confirm: "+err.Error())
		result.Success = false
		return result
	}
	if liveQty <= 0 {
		result.Errors = append(result.Errors, "entry: order accepted but no position present; skipping SL/TP")
		result.Success = false
		return result
	}

	if req.StopLoss > 0 || req.TakeProfit > 0 {
		if err := b.setTradingStop(ctx, symbol, filters, req.Side, req.StopLoss, req.TakeProfit); err != nil {
			// Entry stands; attachment failure is surfaced, not rolled back.
			result.Errors = append(result.Errors, "tpsl: "+err.Error())
		}
	}
	return result
}

func (b *Bybit) setTradingStop(ctx context.Context, symbol string, filters SymbolFilters, side domain.Side, stopLoss, takeProfit float64) error {
	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"positionIdx": 0,
		"tpslMode":    "Full",
	}
	if stopLoss > 0 {
		price := filters.SnapPrice(stopLoss, side.Opposite(), domain.LiquidityTaker)
		payload["stopLoss"] = strconv.FormatFloat(price, 'f', -1, 64)
	}
	if takeProfit > 0 {
		price := filters.SnapPrice(takeProfit, side.Opposite(), domain.LiquidityTaker)
		payload["takeProfit"] = strconv.FormatFloat(price, 'f', -1, 64)
	}
	_, err := b.call(ctx, http.MethodPost, "/v5/position/trading-stop", payload)
	return err
}

func (b *Bybit) ClosePosition(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
	symbol := bybitSymbol(req.Coin)
	result := domain.CloseResult{Venue: b.Venue(), Extra: map[string]string{"symbol": symbol}}

	qty := req.Quantity
	if qty <= 0 {
		live, _, err := b.livePosition(ctx, symbol)
		if err != nil {
			result.Errors = append(result.Errors, "close: "+err.Error())
			return result
		}
		qty = live
	}
	if qty <= 0 {
		result.Success = true
		result.Extra["reason"] = "no live position to close"
		return result
	}

	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        bybitOrderSide(req.Side.Opposite()),
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(qty, 'f', -1, 64),
		"reduceOnly":  true,
		"orderLinkId": "cls-" + uuid.NewString(),
	}

	order, err := b.createOrder(ctx, payload)
	if rejection, ok := err.(*venueRejection); ok && rejection.Code == bybitReduceOnlyErrCode {
		b.log.Warn("close rejected for reduceOnly flag; retrying without it",
			zap.String("symbol", symbol))
		delete(payload, "reduceOnly")
		payload["orderLinkId"] = "cls-" + uuid.NewString()
		order, err = b.createOrder(ctx, payload)
	}
	if err != nil {
		result.Errors = append(result.Errors, "close: "+err.Error())
		return result
	}

	result.Success = true
	result.CloseOrderID = order.OrderID
	return result
}

func (b *Bybit) UpdateTPSL(ctx context.Context, coin string, side domain.Side, quantity, newSL, newTP float64) domain.TPSLResult {
	symbol := bybitSymbol(coin)
	result := domain.TPSLResult{Venue: b.Venue(), Extra: map[string]string{"symbol": symbol}}

	if newSL <= 0 && newTP <= 0 {
		result.Success = true
		result.Extra["reason"] = "no SL/TP values provided"
		return result
	}

	// Stray conditional orders from earlier manual activity would double
	// trigger next to the position-level stop; clear them first. Failure to
	// cancel is logged, not blocking.
	cancel := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"orderFilter": "StopOrder",
	}
	if _, err := b.call(ctx, http.MethodPost, "/v5/order/cancel-all", cancel); err != nil {
		b.log.Warn("failed to cancel existing stop orders",
			zap.String("symbol", symbol), zap.Error(err))
	}

	filters := b.filtersFor(ctx, symbol)
	if err := b.setTradingStop(ctx, symbol, filters, side, newSL, newTP); err != nil {
		result.Errors = append(result.Errors, "tpsl: "+err.Error())
		return result
	}
	result.Success = true
	return result
}

// livePosition returns the venue-side quantity and side for symbol.
func (b *Bybit) livePosition(ctx context.Context, symbol string) (float64, domain.Side, error) {
	raw, err := b.call(ctx, http.MethodGet, "/v5/position/list?category=linear&symbol="+symbol, nil)
	if err != nil {
		return 0, "", err
	}
	var result struct {
		List []struct {
			Side string `json:"side"`
			Size string `json:"size"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, "", err
	}
	if len(result.List) == 0 {
		return 0, "", nil
	}
	size, _ := strconv.ParseFloat(result.List[0].Size, 64)
	side := domain.SideLong
	if result.List[0].Side == "Sell" {
		side = domain.SideShort
	}
	return size, side, nil
}

func (b *Bybit) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	raw, err := b.call(ctx, http.MethodGet, "/v5/account/wallet-balance?accountType=UNIFIED", nil)
	if err != nil {
		return nil, err
	}
	var wallet struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalInitialMargin    string `json:"totalInitialMargin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &wallet); err != nil {
		return nil, err
	}

	snapshot := &domain.AccountSnapshot{Venue: b.Venue()}
	if len(wallet.List) > 0 {
		snapshot.Balance, _ = strconv.ParseFloat(wallet.List[0].TotalAvailableBalance, 64)
		snapshot.TotalEquity, _ = strconv.ParseFloat(wallet.List[0].TotalEquity, 64)
		snapshot.TotalMargin, _ = strconv.ParseFloat(wallet.List[0].TotalInitialMargin, 64)
	}

	raw, err = b.call(ctx, http.MethodGet, "/v5/position/list?category=linear&settleCoin=USDT", nil)
	if err != nil {
		return nil, err
	}
	var positions struct {
		List []struct {
			Symbol     string `json:"symbol"`
			Side       string `json:"side"`
			Size       string `json:"size"`
			AvgPrice   string `json:"avgPrice"`
			Leverage   string `json:"leverage"`
			PositionIM string `json:"positionIM"`
			StopLoss   string `json:"stopLoss"`
			TakeProfit string `json:"takeProfit"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, err
	}

	for _, p := range positions.List {
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}
		side := domain.SideLong
		if p.Side == "Sell" {
			side = domain.SideShort
		}
		entry, _ := strconv.ParseFloat(p.AvgPrice, 64)
		lev, _ := strconv.Atoi(p.Leverage)
		margin, _ := strconv.ParseFloat(p.PositionIM, 64)
		sl, _ := strconv.ParseFloat(p.StopLoss, 64)
		tp, _ := strconv.ParseFloat(p.TakeProfit, 64)
		snapshot.Positions = append(snapshot.Positions, &domain.Position{
			Coin:       strings.TrimSuffix(p.Symbol, "USDT"),
			Venue:      b.Venue(),
			Side:       side,
			Quantity:   size,
			EntryPrice: entry,
			Leverage:   lev,
			Margin:     margin,
			StopLoss:   sl,
			TakeProfit: tp,
		})
	}

	return snapshot, nil
}

func (b *Bybit) FetchIncome(ctx context.Context, start, end time.Time) (*domain.AuditReport, error) {
	path := fmt.Sprintf("/v5/account/transaction-log?accountType=UNIFIED&category=linear&startTime=%d&endTime=%d&limit=50",
		start.UTC().UnixMilli(), end.UTC().UnixMilli())
	raw, err := b.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol  string `json:"symbol"`
			Type    string `json:"type"`
			Funding string `json:"funding"`
			Fee     string `json:"fee"`
			Change  string `json:"change"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}

	report := domain.NewAuditReport(b.Venue(), start, end)
	for _, item := range result.List {
		symbol := item.Symbol
		if symbol == "" {
			symbol = "(unknown)"
		}
		if funding, err := strconv.ParseFloat(item.Funding, 64); err == nil && funding != 0 {
			report.FundingTotal += funding
			report.FundingBySymbol[symbol] += funding
		}
		if fee, err := strconv.ParseFloat(item.Fee, 64); err == nil && fee != 0 {
			report.SettlementTotal += fee
			report.SettlementBySource["TradingFees"] += fee
		}
		if change, err := strconv.ParseFloat(item.Change, 64); err == nil && change != 0 && item.Type == "TRADE" {
			report.SettlementTotal += change
			report.SettlementBySource["RealizedPnl"] += change
		}
	}
	return report, nil
}

func (b *Bybit) filtersFor(ctx context.Context, symbol string) SymbolFilters {
	b.mu.Lock()
	if f, ok := b.filters[symbol]; ok {
		b.mu.Unlock()
		return f
	}
	b.mu.Unlock()

	f, err := b.loadFilters(ctx, symbol)
	if err != nil {
		b.log.Warn("failed to load instrument filters", zap.String("symbol", symbol), zap.Error(err))
		return SymbolFilters{}
	}

	b.mu.Lock()
	b.filters[symbol] = f
	b.mu.Unlock()
	return f
}

func (b *Bybit) loadFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	raw, err := b.call(ctx, http.MethodGet, "/v5/market/instruments-info?category=linear&symbol="+symbol, nil)
	if err != nil {
		return SymbolFilters{}, err
	}
	var result struct {
		List []struct {
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep          string `json:"qtyStep"`
				MinOrderQty      string `json:"minOrderQty"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return SymbolFilters{}, err
	}
	if len(result.List) == 0 {
		return SymbolFilters{}, fmt.Errorf("instrument %s not found", symbol)
	}

	var out SymbolFilters
	out.TickSize, _ = strconv.ParseFloat(result.List[0].PriceFilter.TickSize, 64)
	out.StepSize, _ = strconv.ParseFloat(result.List[0].LotSizeFilter.QtyStep, 64)
	out.MinQty, _ = strconv.ParseFloat(result.List[0].LotSizeFilter.MinOrderQty, 64)
	out.MinNotional, _ = strconv.ParseFloat(result.List[0].LotSizeFilter.MinNotionalValue, 64)
	return out, nil
}
