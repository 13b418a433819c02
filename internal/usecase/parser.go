package usecase

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
	"github.com/vitos/llm_trader/internal/metrics"
)

const truncationFallback = "Missing data from truncated reasoning response; defaulting to hold."

// Parser extracts per-coin decisions from raw reasoning-engine text.
// Responses are frequently truncated or wrapped in prose, so the parser
// degrades in stages: strict JSON decode, per-coin object recovery, then
// plain-text signal extraction.
type Parser struct {
	coins    []string
	notifier domain.Notifier
	log      *zap.Logger
}

func NewParser(coins []string, notifier domain.Notifier, log *zap.Logger) *Parser {
	return &Parser{coins: coins, notifier: notifier, log: log}
}

// ParseResult carries the decisions for one cycle plus how they were
// obtained. A nil result from Parse means the cycle should be skipped.
type ParseResult struct {
	Decisions map[string]domain.Decision
	Missing   []string // coins defaulted to hold during recovery
	Recovered bool     // per-coin recovery was needed
	FromText  bool     // decisions extracted from prose, confidence capped
}

// Parse extracts decisions from content. It returns nil when nothing
// usable could be extracted; the caller holds all positions that cycle.
func (p *Parser) Parse(content string) *ParseResult {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return p.parseText(content)
	}
	jsonStr := content[start : end+1]

	var decisions map[string]domain.Decision
	if err := json.Unmarshal([]byte(jsonStr), &decisions); err == nil {
		return &ParseResult{Decisions: decisions}
	} else if recovered, missing := p.recoverPartial(jsonStr); recovered != nil {
		metrics.ParseRecoveries.WithLabelValues("partial").Inc()
		msg := "Reasoning response malformed; recovered all coin decisions"
		if len(missing) > 0 {
			msg = "Reasoning response truncated; defaulted to hold for missing coins"
		}
		p.log.Warn("recovered decisions after JSON decode error",
			zap.Strings("missing_coins", missing),
			zap.Error(err))
		p.notifier.Notify(msg, map[string]string{
			"missing_coins": strings.Join(missing, ", "),
			"decode_error":  err.Error(),
			"raw_excerpt":   excerpt(jsonStr, 2000),
		})
		return &ParseResult{Decisions: recovered, Missing: missing, Recovered: true}
	} else {
		p.log.Error("decision JSON decode failed beyond recovery", zap.Error(err))
		p.notifier.Notify(fmt.Sprintf("Decision JSON decode failed: %v", err), map[string]string{
			"raw_excerpt": excerpt(jsonStr, 2000),
		})
		return nil
	}
}

// recoverPartial salvages individual coin objects from malformed JSON by
// scanning brace depth from each coin's key marker. Coins whose object
// cannot be recovered default to a zero-confidence hold.
func (p *Parser) recoverPartial(jsonStr string) (map[string]domain.Decision, []string) {
	recovered := make(map[string]domain.Decision)
	var missing []string

	for _, coin := range p.coins {
		marker := `"` + coin + `"`
		markerIdx := strings.Index(jsonStr, marker)
		if markerIdx == -1 {
			missing = append(missing, coin)
			continue
		}
		objStart := strings.Index(jsonStr[markerIdx:], "{")
		if objStart == -1 {
			missing = append(missing, coin)
			continue
		}
		objStart += markerIdx

		block, ok := scanObject(jsonStr[objStart:])
		if !ok {
			missing = append(missing, coin)
			continue
		}
		var d domain.Decision
		if err := json.Unmarshal([]byte(block), &d); err != nil {
			missing = append(missing, coin)
			continue
		}
		recovered[coin] = d
	}

	if len(recovered) == 0 {
		return nil, nil
	}
	for _, coin := range missing {
		recovered[coin] = domain.HoldDecision(truncationFallback)
	}
	return recovered, missing
}

// scanObject returns the balanced JSON object at the start of s, tracking
// string and escape state so braces inside string values do not count.
func scanObject(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// parseText looks for explicit signal words next to coin names in prose,
// e.g. "BTC: hold" or "close ETH". Extracted signals get a reduced fixed
// confidence; entries carry no quantity so they can only act as intent.
func (p *Parser) parseText(content string) *ParseResult {
	lower := strings.ToLower(content)
	decisions := make(map[string]domain.Decision)

	for _, coin := range p.coins {
		c := regexp.QuoteMeta(strings.ToLower(coin))
		patterns := []string{
			`\b` + c + `\s*[:\-]\s*(hold|entry|close|long|short|buy|sell)\b`,
			`\b` + c + `\s+(hold|entry|close|long|short|buy|sell)\b`,
			`\b(hold|entry|close|long|short|buy|sell)\s+` + c + `\b`,
		}
		for _, pattern := range patterns {
			m := regexp.MustCompile(pattern).FindStringSubmatch(lower)
			if m == nil {
				continue
			}
			d, ok := signalFromWord(m[1])
			if !ok {
				continue
			}
			d.Justification = "Extracted from text response: " + m[0]
			decisions[coin] = d
			break
		}
	}

	if len(decisions) == 0 {
		p.log.Warn("no JSON or extractable signals in reasoning response, skipping cycle")
		return nil
	}
	metrics.ParseRecoveries.WithLabelValues("text").Inc()
	p.log.Info("extracted signals from text response", zap.Int("count", len(decisions)))
	return &ParseResult{Decisions: decisions, FromText: true}
}

func signalFromWord(word string) (domain.Decision, bool) {
	d := domain.Decision{Confidence: 0.5}
	switch word {
	case "hold":
		d.Signal = domain.SignalHold
	case "entry", "long", "buy":
		d.Signal = domain.SignalEntry
		d.Side = domain.SideLong
	case "short", "sell":
		d.Signal = domain.SignalEntry
		d.Side = domain.SideShort
	case "close":
		d.Signal = domain.SignalClose
	default:
		return domain.Decision{}, false
	}
	return d, true
}

// excerpt truncates to at most n bytes without splitting a rune.
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
