package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testClient() *HTTPClient {
	return NewHTTPClient(HTTPClientOptions{
		Timeout:         time.Second,
		RequestsPerSec:  100,
		MaxRetryElapsed: time.Millisecond,
	})
}

func publisherBody(entries ...map[string]any) map[string]any {
	return map[string]any{"prices": entries}
}

func TestPublisherFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbols"); got != "ETH/USD,BTC/USD" {
			t.Fatalf("symbols 参数不正确: %q", got)
		}
		_ = json.NewEncoder(w).Encode(publisherBody(
			map[string]any{"symbol": "ETH/USD", "price": "3500.25", "timestamp": time.Now().Unix()},
			map[string]any{"symbol": "BTC/USD", "price": "65000", "timestamp": time.Now().Unix()},
		))
	}))
	defer srv.Close()

	publisher := NewPublisher(PublisherOptions{
		SourceID: "pyth",
		BaseURLs: []string{srv.URL},
	}, testClient(), noopLogger())

	observations := publisher.FetchPrices(context.Background(), []string{"ETH/USD", "BTC/USD"})
	if len(observations) != 2 {
		t.Fatalf("期望 2 条观测, 实际 %d", len(observations))
	}
	if observations[0].Source != "pyth" {
		t.Fatalf("来源应为 pyth, 实际 %s", observations[0].Source)
	}
	if !observations[0].Price.Equal(decimal.NewFromFloat(3500.25)) {
		t.Fatalf("价格解析不正确: %s", observations[0].Price)
	}
}

func TestPublisherOmitsUnusablePrices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(publisherBody(
			map[string]any{"symbol": "ETH/USD", "price": "not-a-number", "timestamp": time.Now().Unix()},
			map[string]any{"symbol": "BTC/USD", "price": "-1", "timestamp": time.Now().Unix()},
			map[string]any{"symbol": "SOL/USD", "price": "150", "timestamp": time.Now().Unix()},
		))
	}))
	defer srv.Close()

	publisher := NewPublisher(PublisherOptions{
		SourceID: "pyth",
		BaseURLs: []string{srv.URL},
	}, testClient(), noopLogger())

	observations := publisher.FetchPrices(context.Background(), []string{"ETH/USD", "BTC/USD", "SOL/USD"})
	if len(observations) != 1 || observations[0].Symbol != "SOL/USD" {
		t.Fatalf("非法价格应被剔除, 仅保留 SOL/USD, 实际 %+v", observations)
	}
}

func TestPublisherFailsOverToAlternate(t *testing.T) {
	alternate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(publisherBody(
			map[string]any{"symbol": "ETH/USD", "price": "3500", "timestamp": time.Now().Unix()},
		))
	}))
	defer alternate.Close()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer primary.Close()

	publisher := NewPublisher(PublisherOptions{
		SourceID: "pyth",
		BaseURLs: []string{primary.URL, alternate.URL},
	}, testClient(), noopLogger())

	observations := publisher.FetchPrices(context.Background(), []string{"ETH/USD"})
	if len(observations) != 1 {
		t.Fatalf("主节点失败应切换备用节点, 实际 %d 条", len(observations))
	}
}

func TestPublisherAllEndpointsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	publisher := NewPublisher(PublisherOptions{
		SourceID: "pyth",
		BaseURLs: []string{srv.URL},
	}, testClient(), noopLogger())

	if observations := publisher.FetchPrices(context.Background(), []string{"ETH/USD"}); len(observations) != 0 {
		t.Fatalf("全部节点失败应返回空, 实际 %d 条", len(observations))
	}
}

func TestReferenceFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "ETH/USD" {
			t.Fatalf("symbol 参数不正确: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"symbol": "ETH/USD", "price": "3500.5"})
	}))
	defer srv.Close()

	reference := NewReference(ReferenceOptions{BaseURL: srv.URL}, testClient(), noopLogger())
	price, err := reference.GetPrice(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("参考价获取失败: %v", err)
	}
	if !price.Equal(decimal.NewFromFloat(3500.5)) {
		t.Fatalf("参考价不正确: %s", price)
	}
}

func TestReferenceFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reference := NewReference(ReferenceOptions{BaseURL: srv.URL}, testClient(), noopLogger())
	if _, err := reference.GetPrice(context.Background(), "ETH/USD"); err == nil {
		t.Fatal("HTTP 404 应返回错误")
	}
}
