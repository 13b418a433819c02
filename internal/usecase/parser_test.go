package usecase_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
	"github.com/vitos/llm_trader/internal/usecase"
)

func newTestParser(coins ...string) (*usecase.Parser, *mockNotifier) {
	notifier := &mockNotifier{}
	return usecase.NewParser(coins, notifier, zap.NewNop()), notifier
}

func TestParseWellFormedResponse(t *testing.T) {
	parser, _ := newTestParser("BTC", "ETH")
	content := `Here is my analysis for this cycle.
{
  "BTC": {"signal": "entry", "side": "long", "quantity": 0.5, "leverage": 5,
          "stop_loss": 58000, "profit_target": 64000, "confidence": 0.8,
          "justification": "trend continuation"},
  "ETH": {"signal": "hold", "confidence": 0.6, "justification": "no edge"}
}
Good luck.`

	result := parser.Parse(content)
	require.NotNil(t, result)
	require.False(t, result.Recovered)
	require.False(t, result.FromText)
	require.Len(t, result.Decisions, 2)

	btc := result.Decisions["BTC"]
	require.Equal(t, domain.SignalEntry, btc.Signal)
	require.Equal(t, domain.SideLong, btc.Side)
	require.Equal(t, 0.5, btc.Quantity)
	require.Equal(t, 5, btc.Leverage)
	require.Equal(t, 58000.0, btc.StopLoss)
	require.Equal(t, 64000.0, btc.ProfitTarget)

	require.Equal(t, domain.SignalHold, result.Decisions["ETH"].Signal)
}

func TestParseRecoversTruncatedResponse(t *testing.T) {
	parser, notifier := newTestParser("BTC", "ETH", "SOL")
	// response cut off mid-way through ETH's object
	content := `{
  "BTC": {"signal": "close", "confidence": 0.9, "justification": "target reached"},
  "ETH": {"signal": "entry", "side": "short", "quanti`

	result := parser.Parse(content)
	require.NotNil(t, result)
	require.True(t, result.Recovered)
	require.ElementsMatch(t, []string{"ETH", "SOL"}, result.Missing)

	require.Equal(t, domain.SignalClose, result.Decisions["BTC"].Signal)
	for _, coin := range []string{"ETH", "SOL"} {
		d := result.Decisions[coin]
		require.Equal(t, domain.SignalHold, d.Signal)
		require.Equal(t, 0.0, d.Confidence)
	}
	require.Equal(t, 1, notifier.count())
}

func TestParseRecoveryHandlesBracesInStrings(t *testing.T) {
	parser, _ := newTestParser("BTC", "ETH")
	content := `{
  "BTC": {"signal": "hold", "confidence": 0.5, "justification": "range {58k}, watch \"breakout\""},
  "ETH": {"signal": "hold", "confidence": 0.5,`

	result := parser.Parse(content)
	require.NotNil(t, result)
	require.True(t, result.Recovered)
	require.Equal(t, `range {58k}, watch "breakout"`, result.Decisions["BTC"].Justification)
	require.Equal(t, []string{"ETH"}, result.Missing)
}

func TestParseExtractsSignalsFromText(t *testing.T) {
	parser, _ := newTestParser("BTC", "ETH", "SOL")
	content := "Market looks weak today. BTC: close. I would short ETH here. No view on SOL yet."

	result := parser.Parse(content)
	require.NotNil(t, result)
	require.True(t, result.FromText)

	btc := result.Decisions["BTC"]
	require.Equal(t, domain.SignalClose, btc.Signal)
	require.Equal(t, 0.5, btc.Confidence)

	eth := result.Decisions["ETH"]
	require.Equal(t, domain.SignalEntry, eth.Signal)
	require.Equal(t, domain.SideShort, eth.Side)

	_, ok := result.Decisions["SOL"]
	require.False(t, ok)
}

func TestParseReturnsNilWhenNothingUsable(t *testing.T) {
	parser, _ := newTestParser("BTC", "ETH")

	require.Nil(t, parser.Parse("I cannot provide trading advice."))
	require.Nil(t, parser.Parse(""))
}

func TestParseUndecodableJSONWithNoCoinObjects(t *testing.T) {
	parser, notifier := newTestParser("BTC")

	result := parser.Parse(`{"BTC": [1, 2}`)
	require.Nil(t, result)
	require.Equal(t, 1, notifier.count())
}

func TestParseFailureExcerptKeepsValidUTF8(t *testing.T) {
	parser, notifier := newTestParser("BTC")

	// Long enough that the notification excerpt truncates, with the cut
	// landing inside a two byte rune.
	content := `{"BTC": [1, 22, "` + strings.Repeat("é", 1200) + `"}`
	require.Nil(t, parser.Parse(content))

	require.Len(t, notifier.metadata, 1)
	raw := notifier.metadata[0]["raw_excerpt"]
	require.NotEmpty(t, raw)
	require.True(t, utf8.ValidString(raw))
}
