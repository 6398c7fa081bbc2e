// Package security は外部APIへの安全な通信と外部テキストの無害化を提供する。
package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// NewClient はコネクタ用のHTTPクライアントを生成する。
// safeurlによりhttpsの443番ポート以外への接続と、プライベートIP・ループバック・
// リンクローカル・メタデータIPへの接続を拒否する。
// DNS解決後のIPアドレスもDialerのControlフックで検証される。
func NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}
