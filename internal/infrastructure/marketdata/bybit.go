// Package marketdata provides current prices from Bybit's public V5 API,
// preferring a websocket ticker stream and falling back to REST.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"
)

type Client struct {
	baseURL string
	wsURL   string
	client  *http.Client
	log     *zap.Logger

	mu         sync.RWMutex
	wsConn     *websocket.Conn
	lastPrices map[string]float64 // symbol -> last traded price
}

func NewClient(baseURL, wsURL string, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &Client{
		baseURL:    baseURL,
		wsURL:      wsURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        log,
		lastPrices: make(map[string]float64),
	}
}

func symbolFor(coin string) string { return strings.ToUpper(coin) + "USDT" }

// GetCurrentPrice returns the streamed price when available, otherwise a
// REST ticker lookup.
func (c *Client) GetCurrentPrice(ctx context.Context, coin string) (float64, error) {
	symbol := symbolFor(coin)

	c.mu.RLock()
	price, ok := c.lastPrices[symbol]
	c.mu.RUnlock()
	if ok && price > 0 {
		return price, nil
	}

	return c.fetchRESTPrice(ctx, symbol)
}

func (c *Client) fetchRESTPrice(ctx context.Context, symbol string) (float64, error) {
	path := "/v5/market/tickers?category=linear&symbol=" + symbol
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, err
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("bybit ticker error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("symbol %s not found", symbol)
	}

	price, err := strconv.ParseFloat(result.Result.List[0].LastPrice, 64)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.lastPrices[symbol] = price
	c.mu.Unlock()
	return price, nil
}

// Subscribe connects the websocket if needed and subscribes to the ticker
// streams for the given coins.
func (c *Client) Subscribe(coins []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsConn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
		if err != nil {
			return err
		}
		c.wsConn = conn
		go c.readLoop(conn)
	}

	if len(coins) == 0 {
		return nil
	}
	args := make([]interface{}, len(coins))
	for i, coin := range coins {
		args[i] = "tickers." + symbolFor(coin)
	}
	return c.wsConn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	})
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		if c.wsConn == conn {
			c.wsConn = nil
		}
		c.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn("market data stream closed", zap.Error(err))
			return
		}

		var event struct {
			Topic string `json:"topic"`
			Data  struct {
				LastPrice string `json:"lastPrice"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if !strings.HasPrefix(event.Topic, "tickers.") || event.Data.LastPrice == "" {
			continue
		}

		price, err := strconv.ParseFloat(event.Data.LastPrice, 64)
		if err != nil || price <= 0 {
			continue
		}
		symbol := strings.TrimPrefix(event.Topic, "tickers.")

		c.mu.Lock()
		c.lastPrices[symbol] = price
		c.mu.Unlock()
	}
}

// Close shuts the websocket down; REST lookups keep working.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsConn != nil {
		c.wsConn.Close()
		c.wsConn = nil
	}
}
