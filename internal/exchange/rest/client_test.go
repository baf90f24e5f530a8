package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := New(srv.URL, "test-key", "test-secret", 5000, 5*time.Second, zap.NewNop())
	return client, srv
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-MBX-APIKEY"); got != "test-key" {
			t.Errorf("expected api key header, got %q", got)
		}
		query := r.URL.Query()
		sig := query.Get("signature")
		if sig == "" {
			t.Errorf("missing signature")
		}
		query.Del("signature")
		mac := hmac.New(sha256.New, []byte("test-secret"))
		mac.Write([]byte(query.Encode()))
		if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
			t.Errorf("signature mismatch: got %q want %q", sig, want)
		}
		w.Write([]byte(`{"totalMarginBalance":"1000.5","availableBalance":"900.0","totalUnrealizedProfit":"5.5"}`))
	}))
	summary, err := client.Account(context.Background())
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if summary.Equity != 1000.5 {
		t.Fatalf("expected equity 1000.5, got %v", summary.Equity)
	}
}

func TestKlinesParsesRows(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("expected symbol BTCUSDT, got %q", got)
		}
		w.Write([]byte(`[[1700000000000,"100.0","105.0","99.0","104.0","1234.5",1700000059999,"0",0,"0","0","0"]]`))
	}))
	klines, err := client.Klines(context.Background(), "BTCUSDT", "1m", 1)
	if err != nil {
		t.Fatalf("klines: %v", err)
	}
	if len(klines) != 1 {
		t.Fatalf("expected 1 kline, got %d", len(klines))
	}
	k := klines[0]
	if k.Open != 100.0 || k.High != 105.0 || k.Low != 99.0 || k.Close != 104.0 || k.Volume != 1234.5 {
		t.Fatalf("unexpected kline: %+v", k)
	}
	if !k.Closed {
		t.Fatalf("expected historical kline to be closed")
	}
}

func TestPlaceOrderRejectionIsNotTransient(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	}))
	_, err := client.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: "MARKET", Quantity: 1,
	})
	if err == nil {
		t.Fatalf("expected rejection error")
	}
	if !IsRejection(err) {
		t.Fatalf("expected definitive rejection, got %v", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":-1001,"msg":"internal error"}`))
	}))
	_, err := client.Account(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if IsRejection(err) {
		t.Fatalf("5xx must be retryable, got rejection: %v", err)
	}
}

func TestSetIsolatedMarginNoChangeIsSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-4046,"msg":"No need to change margin type."}`))
	}))
	if err := client.SetIsolatedMargin(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("expected no-change to be treated as success, got %v", err)
	}
}

func TestPositionRisksSkipsFlatSymbols(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","markPrice":"0","liquidationPrice":"0","leverage":"20","isolatedMargin":"0","unRealizedProfit":"0"},
			{"symbol":"DOGEUSDT","positionAmt":"150","entryPrice":"0.1","markPrice":"0.11","liquidationPrice":"0.09","leverage":"15","isolatedMargin":"10","unRealizedProfit":"1.5"}
		]`))
	}))
	risks, err := client.PositionRisks(context.Background())
	if err != nil {
		t.Fatalf("position risks: %v", err)
	}
	if len(risks) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(risks))
	}
	if risks[0].Symbol != "DOGEUSDT" || risks[0].Leverage != 15 {
		t.Fatalf("unexpected position: %+v", risks[0])
	}
}

func TestFormatQtyTruncates(t *testing.T) {
	cases := []struct {
		v         float64
		precision int
		want      string
	}{
		{1.23456, 3, "1.234"},
		{1.9999, 0, "1"},
		{0.5, 2, "0.50"},
	}
	for _, tc := range cases {
		if got := formatQty(tc.v, tc.precision); got != tc.want {
			t.Fatalf("formatQty(%v, %d) = %q, want %q", tc.v, tc.precision, got, tc.want)
		}
	}
}

func TestSignStable(t *testing.T) {
	client := New("http://x", "k", "secret", 0, time.Second, zap.NewNop())
	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	first := client.sign(params.Encode())
	second := client.sign(params.Encode())
	if first != second {
		t.Fatalf("signature must be deterministic")
	}
}
