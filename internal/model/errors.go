package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureKind はコネクタ呼び出し失敗の分類。
// 呼び出し元はエラーメッセージではなく種別で分岐する。
type FailureKind int

const (
	// FailureTransient はネットワークエラー・タイムアウト・5xx。バックオフ付きで再試行する。
	FailureTransient FailureKind = iota
	// FailureNotFound は対象がプラットフォーム上に存在しない。キャッシュし、再試行しない。
	FailureNotFound
	// FailureThrottled はプラットフォームが明示的にレート制限を通知した。クールダウンに入る。
	FailureThrottled
	// FailureAuth は認証情報が無効。プロセス終了までそのコネクタを使用不能にする。
	FailureAuth
	// FailureTimeout はゲームごとの時間予算切れ。プラットフォーム由来の失敗とは区別する。
	FailureTimeout
	// FailureRejected はリクエスト自体が拒否された（400などの4xx）。再試行しても結果は変わらない。
	FailureRejected
)

// String は種別名を返す。
func (k FailureKind) String() string {
	switch k {
	case FailureNotFound:
		return "not_found"
	case FailureThrottled:
		return "throttled"
	case FailureAuth:
		return "auth_failure"
	case FailureTimeout:
		return "timeout"
	case FailureRejected:
		return "rejected"
	default:
		return "transient"
	}
}

// Outcome は失敗種別に対応するバンドル上の結果種別を返す。
func (k FailureKind) Outcome() Outcome {
	switch k {
	case FailureNotFound:
		return OutcomeNotFound
	case FailureThrottled:
		return OutcomeThrottled
	case FailureAuth:
		return OutcomeAuthFailure
	case FailureTimeout:
		return OutcomeSkippedTimeout
	case FailureRejected:
		return OutcomeRejected
	default:
		return OutcomeTransient
	}
}

// ConnectorError はコネクタ呼び出しの型付き失敗を表す。
type ConnectorError struct {
	Platform   Platform
	Kind       FailureKind
	StatusCode int           // HTTPステータス（不明な場合は0）
	RetryAfter time.Duration // Retry-Afterヘッダ由来の待機時間（なければ0）
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *ConnectorError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Platform, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は元のエラーを返す。
func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// KindOf はエラーの失敗種別を返す。
// ConnectorError以外のエラーは一時的な失敗として扱う。
func KindOf(err error) FailureKind {
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return FailureTransient
}

// IsContextError はコンテキストのキャンセル・期限切れかを判定する。
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// NewNotFoundError は対象未検出エラーを生成する。
func NewNotFoundError(p Platform, target string) *ConnectorError {
	return &ConnectorError{
		Platform:   p,
		Kind:       FailureNotFound,
		StatusCode: 404,
		Err:        fmt.Errorf("対象が見つかりません: %s", target),
	}
}

// NewThrottledError はレート制限エラーを生成する。
func NewThrottledError(p Platform, statusCode int, retryAfter time.Duration) *ConnectorError {
	return &ConnectorError{
		Platform:   p,
		Kind:       FailureThrottled,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
		Err:        errors.New("プラットフォームがレート制限を通知しました"),
	}
}

// NewTransientError は一時的な失敗を生成する。
func NewTransientError(p Platform, statusCode int, err error) *ConnectorError {
	return &ConnectorError{
		Platform:   p,
		Kind:       FailureTransient,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NewRejectedError はリクエスト拒否エラーを生成する。
func NewRejectedError(p Platform, statusCode int, err error) *ConnectorError {
	return &ConnectorError{
		Platform:   p,
		Kind:       FailureRejected,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NewAuthError は認証失敗エラーを生成する。
func NewAuthError(p Platform, statusCode int, err error) *ConnectorError {
	return &ConnectorError{
		Platform:   p,
		Kind:       FailureAuth,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NewTimeoutError はゲーム単位の時間予算切れを表すエラーを生成する。
func NewTimeoutError(p Platform, budget time.Duration) *ConnectorError {
	return &ConnectorError{
		Platform: p,
		Kind:     FailureTimeout,
		Err:      fmt.Errorf("ゲームごとの時間予算 %s を超過したためスキップしました", budget),
	}
}
