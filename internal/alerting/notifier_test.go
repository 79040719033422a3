package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testMessage() Message {
	return Message{
		To:           "farmer@example.com",
		Recipient:    "Farmer",
		Crop:         "Rice",
		Location:     "Punjab",
		Market:       "Amritsar",
		CurrentPrice: decimal.NewFromInt(125),
		Unit:         "quintal",
		Changes: map[int]decimal.Decimal{
			7:  decimal.NewFromInt(25),
			30: decimal.NewFromInt(25),
		},
		ThresholdPct: decimal.NewFromInt(20),
		ObservedAt:   time.Date(2026, 8, 27, 6, 0, 0, 0, time.UTC),
	}
}

func TestRenderBodyContainsSeriesAndChanges(t *testing.T) {
	body := renderBody(testMessage())

	for _, want := range []string{"Rice", "Amritsar", "Punjab", "125.00", "7-day change: 25.00%", "30-day change: 25.00%", "threshold of 20%"} {
		if !strings.Contains(body, want) {
			t.Fatalf("正文应包含 %q, 实际:\n%s", want, body)
		}
	}
}

func TestRenderBodyOrdersWindows(t *testing.T) {
	body := renderBody(testMessage())
	if strings.Index(body, "7-day") > strings.Index(body, "30-day") {
		t.Fatalf("窗口应按天数升序排列:\n%s", body)
	}
}

func TestRenderMailHeaders(t *testing.T) {
	raw := string(renderMail("noreply@mandiwatcher.in", testMessage()))
	for _, want := range []string{"From: noreply@mandiwatcher.in\r\n", "To: farmer@example.com\r\n", "Subject: Price Alert: Abnormal Change in Rice\r\n"} {
		if !strings.Contains(raw, want) {
			t.Fatalf("邮件头应包含 %q", want)
		}
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
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

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testMessage()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Rice") {
		t.Fatalf("text 应包含作物名: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), testMessage()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
