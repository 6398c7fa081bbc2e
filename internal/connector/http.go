package connector

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/gamepulse/internal/model"
)

const (
	userAgent = "gamepulse/1.0 (popularity signal collector)"
	// maxBodySize はレスポンスボディの最大読み取りサイズ（5MB）。
	maxBodySize = 5 << 20
)

// ClassifyHTTPStatus はHTTPステータスコードを失敗種別に分類する。
// 2xxの場合はokがtrueとなる。
func ClassifyHTTPStatus(statusCode int) (kind model.FailureKind, ok bool) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return 0, true
	case statusCode == 404 || statusCode == 410:
		return model.FailureNotFound, false
	case statusCode == 401 || statusCode == 403:
		return model.FailureAuth, false
	case statusCode == 429:
		return model.FailureThrottled, false
	case statusCode == 408:
		return model.FailureTransient, false
	case statusCode >= 400 && statusCode < 500:
		return model.FailureRejected, false
	default:
		// 5xxおよび未知のステータスは一時的な失敗として再試行対象にする
		return model.FailureTransient, false
	}
}

// ParseRetryAfter はRetry-Afterヘッダ（秒数またはHTTP日付）を待機時間に変換する。
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// response はHTTP応答の必要部分。
type response struct {
	status int
	header http.Header
	body   []byte
}

// do はリクエストを実行し、ステータスを分類する。
// 2xx以外の場合もボディを読み取ったresponseを返し、呼び出し側が詳細を判定できるようにする。
func do(client *http.Client, platform model.Platform, req *http.Request) (*response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		if model.IsContextError(err) {
			return nil, err
		}
		return nil, model.NewTransientError(platform, 0, fmt.Errorf("HTTPリクエストに失敗しました: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, model.NewTransientError(platform, resp.StatusCode, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}

	r := &response{status: resp.StatusCode, header: resp.Header, body: body}

	kind, ok := ClassifyHTTPStatus(resp.StatusCode)
	if ok {
		return r, nil
	}

	statusErr := fmt.Errorf("HTTPステータス %d", resp.StatusCode)
	switch kind {
	case model.FailureNotFound:
		return r, &model.ConnectorError{Platform: platform, Kind: model.FailureNotFound, StatusCode: resp.StatusCode, Err: statusErr}
	case model.FailureAuth:
		return r, model.NewAuthError(platform, resp.StatusCode, statusErr)
	case model.FailureThrottled:
		return r, model.NewThrottledError(platform, resp.StatusCode, ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case model.FailureRejected:
		return r, model.NewRejectedError(platform, resp.StatusCode, statusErr)
	default:
		return r, model.NewTransientError(platform, resp.StatusCode, statusErr)
	}
}

// malformed はレスポンスの形式不正を一時的な失敗として返す。
func malformed(platform model.Platform, what string) error {
	return model.NewTransientError(platform, 0, fmt.Errorf("レスポンスの形式が不正です: %s", what))
}
