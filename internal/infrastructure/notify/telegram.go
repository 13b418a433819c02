// Package notify delivers operator-visible messages. Delivery failures are
// logged and swallowed; a notifier must never affect trading control flow.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram posts messages to a chat via the Bot API. With empty credentials
// it degrades to log-only.
type Telegram struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	log      *zap.Logger
}

func NewTelegram(botToken, chatID string, log *zap.Logger) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  telegramAPIBase,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

func (t *Telegram) Notify(message string, metadata map[string]string) {
	text := message
	if len(metadata) > 0 {
		keys := make([]string, 0, len(metadata))
		for k := range metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(message)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf("\n%s: %s", k, metadata[k]))
		}
		text = b.String()
	}

	t.log.Info("operator notification", zap.String("message", message))

	if t.botToken == "" || t.chatID == "" {
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)

	resp, err := t.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.log.Warn("telegram delivery failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.log.Warn("telegram delivery rejected", zap.Int("status", resp.StatusCode))
	}
}
