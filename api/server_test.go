package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ibgate/config"
	"ibgate/gateway"
	"ibgate/models"
	"ibgate/transport"
)

const testAPIKey = "test-key"

func testConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{Name: "ibgate", Version: "test"},
		Server: config.ServerConfig{
			Host:               "127.0.0.1",
			Port:               0,
			APIKey:             testAPIKey,
			CORSAllowedOrigins: []string{"*"},
		},
		Terminal: config.TerminalConfig{Mode: "sim", AccountID: "DU1"},
		Session: config.SessionConfig{
			Retry: config.RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         time.Millisecond,
				MaxDelay:          5 * time.Millisecond,
				BackoffMultiplier: 2,
			},
		},
		Channels: config.ChannelsConfig{EventBuffer: 256},
	}
}

func newTestServer(t *testing.T) (*Server, *gateway.Gateway) {
	t.Helper()
	cfg := testConfig()
	gw, err := gateway.New(cfg, &transport.SimDialer{})
	if err != nil {
		t.Fatalf("gateway.New failed: %v", err)
	}
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("gateway.Start failed: %v", err)
	}
	t.Cleanup(gw.Stop)
	return NewServer(cfg, gw), gw
}

func doRequest(t *testing.T, s *Server, method, path string, body any, withKey bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if withKey {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func connect(t *testing.T, s *Server) {
	t.Helper()
	if rec := doRequest(t, s, http.MethodPost, "/connect", nil, true); rec.Code != http.StatusOK {
		t.Fatalf("connect returned %d: %s", rec.Code, rec.Body.String())
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestHealthRequiresNoKey(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "ok" || body["service"] != "ibgate" {
		t.Errorf("unexpected health payload: %v", body)
	}
	if body["ib_connected"] != false {
		t.Errorf("expected ib_connected false, got %v", body["ib_connected"])
	}
}

func TestMissingOrWrongAPIKey(t *testing.T) {
	s, _ := newTestServer(t)

	if rec := doRequest(t, s, http.MethodGet, "/status", nil, false); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key: expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: expected 401, got %d", rec.Code)
	}
}

func TestStatusReflectsConnection(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/status", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["state"] != "disconnected" {
		t.Errorf("expected disconnected, got %v", body["state"])
	}

	connect(t, s)

	rec = doRequest(t, s, http.MethodGet, "/status", nil, true)
	decode(t, rec, &body)
	if body["state"] != "connected" || body["connected"] != true {
		t.Errorf("expected connected state, got %v", body)
	}
}

func TestPlaceOrderWhileDisconnected(t *testing.T) {
	s, _ := newTestServer(t)

	req := models.OrderRequest{
		Contract:  models.Contract{Symbol: "AAPL"},
		Action:    models.ActionBuy,
		Quantity:  1,
		OrderType: models.OrderTypeMarket,
	}
	if rec := doRequest(t, s, http.MethodPost, "/orders", req, true); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestOrderFlowOverHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	connect(t, s)

	rec := doRequest(t, s, http.MethodPost, "/orders", models.OrderRequest{
		Contract:   models.Contract{Symbol: "AAPL"},
		Action:     models.ActionBuy,
		Quantity:   100,
		OrderType:  models.OrderTypeLimit,
		LimitPrice: 187.50,
	}, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var order models.Order
	decode(t, rec, &order)
	if order.OrderID <= 0 || order.Status != models.StatusPendingSubmit {
		t.Fatalf("unexpected accepted order: %+v", order)
	}

	path := fmt.Sprintf("/orders/%d", order.OrderID)
	waitFor(t, 2*time.Second, func() bool {
		rec := doRequest(t, s, http.MethodGet, path, nil, true)
		if rec.Code != http.StatusOK {
			return false
		}
		var got models.Order
		decode(t, rec, &got)
		return got.Status == models.StatusFilled
	})

	rec = doRequest(t, s, http.MethodGet, "/orders", nil, true)
	var list struct {
		Orders []models.Order `json:"orders"`
	}
	decode(t, rec, &list)
	if len(list.Orders) != 1 {
		t.Errorf("expected one order in the list, got %d", len(list.Orders))
	}
}

func TestValidationErrorsReturn400(t *testing.T) {
	s, _ := newTestServer(t)
	connect(t, s)

	rec := doRequest(t, s, http.MethodPost, "/orders", models.OrderRequest{
		Action:    models.ActionBuy,
		Quantity:  1,
		OrderType: models.OrderTypeMarket,
	}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing symbol: expected 400, got %d", rec.Code)
	}

	if rec := doRequest(t, s, http.MethodGet, "/orders/not-a-number", nil, true); rec.Code != http.StatusBadRequest {
		t.Errorf("bad order id: expected 400, got %d", rec.Code)
	}
}

func TestGetUnknownOrderReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	connect(t, s)

	if rec := doRequest(t, s, http.MethodGet, "/orders/9999", nil, true); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := doRequest(t, s, http.MethodDelete, "/orders/9999", nil, true); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAccountsEmptyBeforeSummaryArrives(t *testing.T) {
	s, _ := newTestServer(t)
	connect(t, s)

	waitFor(t, 2*time.Second, func() bool {
		rec := doRequest(t, s, http.MethodGet, "/accounts", nil, true)
		if rec.Code != http.StatusOK {
			return false
		}
		var body struct {
			Accounts []models.AccountSummary `json:"accounts"`
		}
		decode(t, rec, &body)
		return len(body.Accounts) == 1 && body.Accounts[0].AccountID == "DU1"
	})
}

func TestPositionsWhileDisconnected(t *testing.T) {
	s, _ := newTestServer(t)

	if rec := doRequest(t, s, http.MethodGet, "/positions", nil, true); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestMarketDataAcceptedThenServed(t *testing.T) {
	s, _ := newTestServer(t)
	connect(t, s)

	// The first read may race the first tick; eventually a 200 with a tick
	// must arrive, and an early 202 is acceptable in between.
	sawTick := false
	waitFor(t, 2*time.Second, func() bool {
		rec := doRequest(t, s, http.MethodGet, "/marketdata/AAPL", nil, true)
		switch rec.Code {
		case http.StatusAccepted:
			return false
		case http.StatusOK:
			var tick models.MarketTick
			decode(t, rec, &tick)
			sawTick = tick.Symbol == "AAPL" && tick.Last > 0
			return sawTick
		default:
			t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
			return false
		}
	})
	if !sawTick {
		t.Error("never received a market data tick")
	}
}

func TestDisconnectOverHTTP(t *testing.T) {
	s, gw := newTestServer(t)
	connect(t, s)

	rec := doRequest(t, s, http.MethodPost, "/disconnect", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gw.Connected() {
		t.Error("gateway should be disconnected")
	}
}
