package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testAlert() oracle.Alert {
	return oracle.Alert{
		ID:       "a-1",
		RuleID:   "r-1",
		Severity: oracle.SeverityCritical,
		Title:    "Price deviation above 5%: ETH/USD",
		Message:  "Symbol: ETH/USD",
		Symbol:   "ETH/USD",
		Context:  map[string]string{"max_deviation": "0.06"},
		Status:   oracle.StatusOpen,
	}
}

func TestWebhookChannelSuccess(t *testing.T) {
	var received Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("应使用 POST, 实际 %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("Content-Type 不正确: %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	channel := NewWebhookChannel(srv.URL, time.Second, testLogger())
	if err := channel.Send(context.Background(), payloadFor(testAlert())); err != nil {
		t.Fatalf("webhook 发送应成功: %v", err)
	}
	if received.AlertID != "a-1" || received.Symbol != "ETH/USD" {
		t.Fatalf("payload 内容不正确: %+v", received)
	}
	if received.Context["max_deviation"] != "0.06" {
		t.Fatalf("context 应透传, 实际 %+v", received.Context)
	}
}

func TestWebhookChannelNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	channel := NewWebhookChannel(srv.URL, time.Second, testLogger())
	if err := channel.Send(context.Background(), payloadFor(testAlert())); err == nil {
		t.Fatal("非 2xx 响应应报错")
	}
}

func TestTelegramChannelSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	channel := NewTelegramChannel("token", "chat", srv.URL, time.Second, testLogger())
	if err := channel.Send(context.Background(), payloadFor(testAlert())); err != nil {
		t.Fatalf("Telegram 发送应成功: %v", err)
	}
	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "CRITICAL") {
		t.Fatalf("text 应包含严重级别, 实际 %q", received["text"])
	}
}

func TestTelegramChannelOKFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	channel := NewTelegramChannel("token", "chat", srv.URL, time.Second, testLogger())
	if err := channel.Send(context.Background(), payloadFor(testAlert())); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestEmailChannelBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	channel := NewEmailChannel(EmailOptions{
		Host: "smtp.example.com",
		Port: 587,
		From: "alerts@example.com",
		To:   []string{"oncall@example.com"},
	}, testLogger())
	channel.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotFrom = from
		gotTo = to
		gotMsg = msg
		return nil
	}

	if err := channel.Send(context.Background(), payloadFor(testAlert())); err != nil {
		t.Fatalf("邮件发送应成功: %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Fatalf("SMTP 地址不正确: %s", gotAddr)
	}
	if gotFrom != "alerts@example.com" || len(gotTo) != 1 || gotTo[0] != "oncall@example.com" {
		t.Fatalf("收发地址不正确: from=%s to=%v", gotFrom, gotTo)
	}
	if !strings.Contains(string(gotMsg), "Subject: [CRITICAL]") {
		t.Fatalf("主题应包含严重级别: %q", string(gotMsg))
	}
}

func TestEmailChannelRequiresConfig(t *testing.T) {
	channel := NewEmailChannel(EmailOptions{}, testLogger())
	if err := channel.Send(context.Background(), payloadFor(testAlert())); err == nil {
		t.Fatal("缺少配置应报错")
	}
}

type recordingChannel struct {
	channelType oracle.ChannelType
	err         error

	mu       sync.Mutex
	payloads []Payload
}

func (c *recordingChannel) Type() oracle.ChannelType { return c.channelType }

func (c *recordingChannel) Send(_ context.Context, payload Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return c.err
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func TestDispatcherIsolatesFailures(t *testing.T) {
	broken := &recordingChannel{channelType: oracle.ChannelWebhook, err: errors.New("boom")}
	healthy := &recordingChannel{channelType: oracle.ChannelTelegram}
	dispatcher := NewDispatcher(testLogger(), broken, healthy)

	dispatcher.Dispatch(context.Background(), testAlert(), []oracle.ChannelType{
		oracle.ChannelWebhook,
		oracle.ChannelTelegram,
	})

	if broken.count() != 1 || healthy.count() != 1 {
		t.Fatalf("单通道失败不应影响其他通道: broken=%d healthy=%d", broken.count(), healthy.count())
	}
}

func TestDispatcherSkipsUnknownChannel(t *testing.T) {
	healthy := &recordingChannel{channelType: oracle.ChannelWebhook}
	dispatcher := NewDispatcher(testLogger(), healthy)

	dispatcher.Dispatch(context.Background(), testAlert(), []oracle.ChannelType{
		oracle.ChannelEmail,
		oracle.ChannelWebhook,
	})

	if healthy.count() != 1 {
		t.Fatalf("已配置的通道应收到 1 条, 实际 %d", healthy.count())
	}
}

func TestDispatchAsyncWaits(t *testing.T) {
	channel := &recordingChannel{channelType: oracle.ChannelWebhook}
	dispatcher := NewDispatcher(testLogger(), channel)

	for i := 0; i < 5; i++ {
		dispatcher.DispatchAsync(context.Background(), testAlert(), []oracle.ChannelType{oracle.ChannelWebhook})
	}
	dispatcher.Wait()

	if channel.count() != 5 {
		t.Fatalf("Wait 后应全部送达, 实际 %d", channel.count())
	}
}

type blockingChannel struct {
	release chan struct{}
	ctxErr  chan error
}

func (c *blockingChannel) Type() oracle.ChannelType { return oracle.ChannelWebhook }

func (c *blockingChannel) Send(ctx context.Context, _ Payload) error {
	<-c.release
	c.ctxErr <- ctx.Err()
	return nil
}

func TestDispatchAsyncOutlivesCallerContext(t *testing.T) {
	channel := &blockingChannel{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	dispatcher := NewDispatcher(testLogger(), channel)

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.DispatchAsync(ctx, testAlert(), []oracle.ChannelType{oracle.ChannelWebhook})

	// The caller moves on and cancels while the send is still in flight.
	cancel()
	close(channel.release)
	dispatcher.Wait()

	if err := <-channel.ctxErr; err != nil {
		t.Fatalf("通知发送不应随调用方上下文一起取消: %v", err)
	}
}

func TestRenderMessageFixedOrder(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	message := RenderMessage(Evidence{
		Symbol:         "ETH/USD",
		RuleName:       "deviation rule",
		Deviation:      decimal.NewFromFloat(0.0234),
		ConsensusPrice: decimal.NewFromFloat(3500.5),
		Outliers:       []string{"chainlink"},
		At:             at,
	})

	lines := strings.Split(message, "\n")
	expected := []string{
		"Symbol: ETH/USD",
		"Rule: deviation rule",
		"Deviation: 2.34%",
		"Consensus: 3500.5000",
		"Outliers: chainlink",
		"Time: 2025-06-01T12:00:00Z",
	}
	if len(lines) != len(expected) {
		t.Fatalf("行数不符: %d vs %d", len(lines), len(expected))
	}
	for i, want := range expected {
		if lines[i] != want {
			t.Fatalf("第 %d 行不符: %q != %q", i, lines[i], want)
		}
	}
}

func TestRenderMessageNoOutliers(t *testing.T) {
	message := RenderMessage(Evidence{Symbol: "BTC/USD", RuleName: "r"})
	if !strings.Contains(message, "Outliers: none") {
		t.Fatalf("无离群来源应显示 none: %q", message)
	}
}

func payloadFor(alert oracle.Alert) Payload {
	return Payload{
		AlertID:  alert.ID,
		Title:    alert.Title,
		Message:  alert.Message,
		Severity: alert.Severity,
		Symbol:   alert.Symbol,
		Context:  alert.Context,
	}
}
