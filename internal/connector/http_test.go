package connector

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/gamepulse/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

var testNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantOK   bool
		wantKind model.FailureKind
	}{
		{name: "200は成功", status: 200, wantOK: true},
		{name: "204は成功", status: 204, wantOK: true},
		{name: "404はNotFound", status: 404, wantKind: model.FailureNotFound},
		{name: "410はNotFound", status: 410, wantKind: model.FailureNotFound},
		{name: "401はAuth", status: 401, wantKind: model.FailureAuth},
		{name: "403はAuth", status: 403, wantKind: model.FailureAuth},
		{name: "429はThrottled", status: 429, wantKind: model.FailureThrottled},
		{name: "500はTransient", status: 500, wantKind: model.FailureTransient},
		{name: "503はTransient", status: 503, wantKind: model.FailureTransient},
		{name: "400はRejected", status: 400, wantKind: model.FailureRejected},
		{name: "422はRejected", status: 422, wantKind: model.FailureRejected},
		{name: "408はTransient", status: 408, wantKind: model.FailureTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, ok := ClassifyHTTPStatus(tt.status)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok && kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", kind, tt.wantKind)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "空文字列", value: "", want: 0},
		{name: "秒数", value: "120", want: 2 * time.Minute},
		{name: "負の秒数", value: "-5", want: 0},
		{name: "HTTP日付", value: testNow.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{name: "過去のHTTP日付", value: testNow.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{name: "解釈できない値", value: "soon", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRetryAfter(tt.value, testNow); got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestDo_ClassifiesResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"ok":true}`))
		case "/throttled":
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/gone":
			w.WriteHeader(http.StatusGone)
		case "/bad":
			w.WriteHeader(http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	get := func(path string) (*response, error) {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+path, nil)
		return do(server.Client(), model.PlatformTrends, req)
	}

	resp, err := get("/ok")
	if err != nil {
		t.Fatalf("成功時にエラーを返した: %v", err)
	}
	if string(resp.body) != `{"ok":true}` {
		t.Errorf("body = %s", resp.body)
	}

	_, err = get("/throttled")
	var ce *model.ConnectorError
	if !errors.As(err, &ce) || ce.Kind != model.FailureThrottled {
		t.Fatalf("429 は Throttled になるべき, got %v", err)
	}
	if ce.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", ce.RetryAfter)
	}

	resp, err = get("/gone")
	if model.KindOf(err) != model.FailureNotFound {
		t.Errorf("410 は NotFound になるべき, got %v", err)
	}
	if resp == nil || resp.status != http.StatusGone {
		t.Error("失敗時もレスポンスを返すべき")
	}

	_, err = get("/bad")
	if model.KindOf(err) != model.FailureRejected {
		t.Errorf("400 は Rejected になるべき, got %v", err)
	}
	if errors.As(err, &ce) && ce.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", ce.StatusCode)
	}

	_, err = get("/broken")
	if model.KindOf(err) != model.FailureTransient {
		t.Errorf("502 は Transient になるべき, got %v", err)
	}
}

func TestDo_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	_, err := do(http.DefaultClient, model.PlatformVideo, req)
	if model.KindOf(err) != model.FailureTransient {
		t.Errorf("接続失敗は Transient になるべき, got %v", err)
	}
}

func TestDo_CanceledContextIsNotWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	_, err := do(server.Client(), model.PlatformVideo, req)
	if !model.IsContextError(err) {
		t.Errorf("キャンセル時はコンテキストエラーを返すべき, got %v", err)
	}
}
