package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vitos/llm_trader/internal/domain"
)

// SystemPrompt frames the reasoning engine as a discretionary futures
// trader that answers in strict JSON.
const SystemPrompt = `You are a cryptocurrency perpetual futures trader. ` +
	`Each cycle you receive current prices, account state and open positions, ` +
	`and you respond with one decision per coin in strict JSON.`

const promptInstructions = `INSTRUCTIONS:
For each coin, provide a trading decision in JSON format. You can either:
1. "hold" - Keep current position (if you have one)
2. "entry" - Open a new position (if you don't have one)
3. "close" - Close current position

Return ONLY a valid JSON object with this structure:
{
  "ETH": {
    "signal": "hold|entry|close",
    "side": "long|short",
    "quantity": 0.0,
    "profit_target": 0.0,
    "stop_loss": 0.0,
    "leverage": 10,
    "confidence": 0.75,
    "justification": "Reason for entry/close/hold"
  }
}

IMPORTANT:
- Only suggest entries if you see strong opportunities
- Use proper risk management
- Return ONLY valid JSON, no other text`

// PromptBuilder renders the per-cycle user prompt from live store and
// market state.
type PromptBuilder struct {
	coins        []string
	store        *PositionStore
	market       domain.MarketData
	startCapital float64
	startedAt    time.Time
	now          func() time.Time
}

func NewPromptBuilder(coins []string, store *PositionStore, market domain.MarketData, startCapital float64) *PromptBuilder {
	return &PromptBuilder{
		coins:        coins,
		store:        store,
		market:       market,
		startCapital: startCapital,
		startedAt:    time.Now().UTC(),
		now:          time.Now,
	}
}

// Build assembles the prompt. Coins without a price are reported as N/A
// rather than failing the cycle.
func (b *PromptBuilder) Build(ctx context.Context) (string, error) {
	now := b.now().UTC()
	var lines []string
	lines = append(lines, fmt.Sprintf(
		"It has been %d minutes since you started trading. The current time is %s and this is invocation %d.",
		int(now.Sub(b.startedAt).Minutes()), now.Format(time.RFC3339), b.store.Iteration()))
	lines = append(lines, strings.Repeat("-", 80))
	lines = append(lines, "CURRENT MARKET STATE")

	prices := make(map[string]float64, len(b.coins))
	for _, coin := range b.coins {
		price, err := b.market.GetCurrentPrice(ctx, coin)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%s current price: N/A", coin))
			continue
		}
		prices[coin] = price
		lines = append(lines, fmt.Sprintf("%s current price: %.3f", coin, price))
	}

	balance := b.store.Balance()
	totalMargin := b.store.TotalMargin()
	var unrealized float64
	for _, pos := range b.store.List() {
		if price, ok := prices[pos.Coin]; ok {
			unrealized += pos.GrossPnL(price)
		}
	}
	equity := balance + totalMargin + unrealized
	totalReturn := 0.0
	if b.startCapital > 0 {
		totalReturn = (equity - b.startCapital) / b.startCapital * 100
	}

	lines = append(lines, strings.Repeat("-", 80))
	lines = append(lines, "ACCOUNT INFORMATION AND PERFORMANCE")
	lines = append(lines, fmt.Sprintf("- Total Return (%%): %.2f", totalReturn))
	lines = append(lines, fmt.Sprintf("- Available Cash: %.2f", balance))
	lines = append(lines, fmt.Sprintf("- Margin Allocated: %.2f", totalMargin))
	lines = append(lines, fmt.Sprintf("- Unrealized PnL: %.2f", unrealized))
	lines = append(lines, fmt.Sprintf("- Current Account Value: %.2f", equity))
	lines = append(lines, "Open positions:")
	for _, pos := range b.store.List() {
		payload, err := json.Marshal(map[string]any{
			"coin":        pos.Coin,
			"venue":       pos.Venue,
			"side":        pos.Side,
			"quantity":    pos.Quantity,
			"entry_price": pos.EntryPrice,
			"stop_loss":   pos.StopLoss,
			"take_profit": pos.TakeProfit,
			"leverage":    pos.Leverage,
			"margin":      pos.Margin,
		})
		if err != nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s position data: %s", pos.Coin, payload))
	}

	lines = append(lines, "")
	lines = append(lines, promptInstructions)
	return strings.Join(lines, "\n"), nil
}
