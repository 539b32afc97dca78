package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/order"
	"execution-core/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// dry_run_demo drives a running execution core (dry_run on) through its
// control API and prints the lifecycle events it streams back.
//
// Usage:
//
//	go run ./scripts/dry_run_demo
//
// Environment:
//
//	API_URL    (default http://localhost:8080)
//	API_TOKEN  bearer token when the core has jwt_secret set
//	           (go run . -issue-token demo)
//	SYMBOL     (default BTCUSDT)
//
// Scenarios:
//  1. market BUY, expected to fill at the dry-run mark
//  2. far-away limit BUY, then cancel it
//  3. oversized order, expected to be refused by the risk checks
func main() {
	log := logger.New("dry_run_demo")
	base := strings.TrimRight(getenv("API_URL", "http://localhost:8080"), "/")
	symbol := getenv("SYMBOL", "BTCUSDT")
	c := &client{base: base, token: os.Getenv("API_TOKEN"), http: &http.Client{Timeout: 10 * time.Second}}

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatal().Err(err).Str("url", wsURL).Msg("dial event stream")
	}
	defer conn.Close()
	go func() {
		for {
			var msg struct {
				Topic string          `json:"topic"`
				Event json.RawMessage `json:"event"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			log.Info().Str("topic", msg.Topic).RawJSON("event", msg.Event).Msg("stream")
		}
	}()

	log.Info().Msg("[SCENARIO 1] market BUY")
	id, status, err := c.place(map[string]any{"instrument": symbol, "side": "BUY", "type": "MARKET", "quantity": "0.01"})
	if err != nil {
		log.Fatal().Err(err).Msg("place market order")
	}
	log.Info().Str("order_id", id).Int("http_status", status).Msg("submitted")
	if o, err := c.waitFor(id, domain.StatusFilled, 5*time.Second); err != nil {
		log.Error().Err(err).Msg("market order")
	} else {
		log.Info().Str("filled", o.FilledQuantity.String()).Msg("market order filled")
	}

	log.Info().Msg("[SCENARIO 2] resting limit BUY, then cancel")
	id, _, err = c.place(map[string]any{"instrument": symbol, "side": "BUY", "type": "LIMIT", "quantity": "0.01", "price": "1"})
	if err != nil {
		log.Fatal().Err(err).Msg("place limit order")
	}
	if _, err := c.waitFor(id, domain.StatusAccepted, 5*time.Second); err != nil {
		log.Error().Err(err).Msg("limit order")
	}
	var cancel order.CancelResponse
	if status, err := c.do(http.MethodDelete, "/api/orders/"+id, nil, &cancel); err != nil {
		log.Error().Err(err).Int("http_status", status).Msg("cancel")
	}
	if _, err := c.waitFor(id, domain.StatusCancelled, 5*time.Second); err != nil {
		log.Error().Err(err).Msg("cancel")
	} else {
		log.Info().Str("order_id", id).Msg("limit order cancelled")
	}

	log.Info().Msg("[SCENARIO 3] oversized order")
	_, status, err = c.place(map[string]any{"instrument": symbol, "side": "BUY", "type": "MARKET", "quantity": "1000"})
	log.Info().Int("http_status", status).AnErr("refusal", err).Msg("oversized order answered")

	var positions struct {
		Positions []domain.Position `json:"positions"`
	}
	if _, err := c.do(http.MethodGet, "/api/positions", nil, &positions); err == nil {
		for _, p := range positions.Positions {
			log.Info().Str("instrument", p.InstrumentID).Str("side", string(p.Side)).Str("qty", p.Quantity.String()).Str("entry", p.EntryPrice.String()).Msg("position")
		}
	}
	time.Sleep(200 * time.Millisecond)
	log.Info().Msg("demo finished")
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) place(body map[string]any) (string, int, error) {
	var resp order.SubmitResponse
	status, err := c.doWithHeader(http.MethodPost, "/api/orders", body, &resp, map[string]string{"Idempotency-Key": uuid.NewString()})
	return resp.OrderID, status, err
}

func (c *client) waitFor(id string, want domain.Status, within time.Duration) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	var o domain.Order
	for {
		if _, err := c.do(http.MethodGet, "/api/orders/"+id, nil, &o); err == nil && o.Status == want {
			return o, nil
		}
		select {
		case <-ctx.Done():
			return o, fmt.Errorf("order %s still %s, wanted %s", id, o.Status, want)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (c *client) do(method, path string, body, out any) (int, error) {
	return c.doWithHeader(method, path, body, out, nil)
}

func (c *client) doWithHeader(method, path string, body, out any, headers map[string]string) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return resp.StatusCode, fmt.Errorf("%s: %s", apiErr.Code, apiErr.Error)
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
