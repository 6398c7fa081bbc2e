package connector

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/hitoshi/gamepulse/internal/clock"
	"github.com/hitoshi/gamepulse/internal/model"
)

type twitchServer struct {
	tokenRequests int32
	gameRequests  int32
	rejectToken   string
	games         string
}

func (s *twitchServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/token" {
			n := atomic.AddInt32(&s.tokenRequests, 1)
			if r.FormValue("client_id") != "cid" || r.FormValue("grant_type") != "client_credentials" {
				t.Errorf("トークン要求のパラメータが不正: %v", r.Form)
			}
			fmt.Fprintf(w, `{"access_token":"tok%d","expires_in":5000000,"token_type":"bearer"}`, n)
			return
		}

		if r.Header.Get("Client-ID") != "cid" {
			t.Errorf("Client-ID ヘッダがない")
		}
		if s.rejectToken != "" && r.Header.Get("Authorization") == "Bearer "+s.rejectToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch r.URL.Path {
		case "/games":
			atomic.AddInt32(&s.gameRequests, 1)
			w.Write([]byte(s.games))
		case "/streams":
			if r.URL.Query().Get("game_id") != "33214" {
				t.Errorf("game_id = %q", r.URL.Query().Get("game_id"))
			}
			switch r.URL.Query().Get("after") {
			case "":
				w.Write([]byte(`{"data":[{"viewer_count":100},{"viewer_count":50}],"pagination":{"cursor":"c1"}}`))
			case "c1":
				w.Write([]byte(`{"data":[{"viewer_count":25}],"pagination":{}}`))
			default:
				t.Errorf("予期しないカーソル: %s", r.URL.Query().Get("after"))
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestTwitch(server *httptest.Server, buf *bytes.Buffer, maxPages int) *Twitch {
	tw := NewTwitch(server.Client(), TwitchConfig{ClientID: "cid", ClientSecret: "secret", MaxStreamPages: maxPages}, clock.NewFake(testNow), newTestLogger(buf))
	tw.tokenURL = server.URL + "/oauth2/token"
	tw.apiURL = server.URL
	return tw
}

func TestTwitch_Query_SumsViewersAcrossPages(t *testing.T) {
	ts := &twitchServer{games: `{"data":[{"id":"33214","name":"Fortnite"}]}`}
	server := ts.start(t)
	defer server.Close()

	var buf bytes.Buffer
	tw := newTestTwitch(server, &buf, 5)

	res, err := tw.Query(context.Background(), Target{Query: "Fortnite"})
	if err != nil {
		t.Fatalf("Query がエラーを返した: %v", err)
	}
	if v := res.Signals[model.MetricTwitchViewerCount]; v == nil || *v != 175 {
		t.Errorf("twitch_viewer_count = %v, want 175", v)
	}

	// トークンとゲームIDは2回目以降キャッシュされる
	if _, err := tw.Query(context.Background(), Target{Query: "Fortnite"}); err != nil {
		t.Fatalf("2回目の Query がエラーを返した: %v", err)
	}
	if n := atomic.LoadInt32(&ts.tokenRequests); n != 1 {
		t.Errorf("トークン取得回数 = %d, want 1", n)
	}
	if n := atomic.LoadInt32(&ts.gameRequests); n != 1 {
		t.Errorf("ゲームID解決回数 = %d, want 1", n)
	}
}

func TestTwitch_MaxStreamPagesLimitsPagination(t *testing.T) {
	ts := &twitchServer{games: `{"data":[{"id":"33214","name":"Fortnite"}]}`}
	server := ts.start(t)
	defer server.Close()

	var buf bytes.Buffer
	tw := newTestTwitch(server, &buf, 1)

	v, err := tw.FetchStreamViewership(context.Background(), "Fortnite")
	if err != nil {
		t.Fatalf("FetchStreamViewership がエラーを返した: %v", err)
	}
	if v == nil || *v != 150 {
		t.Errorf("1ページのみの合計 = %v, want 150", v)
	}
}

func TestTwitch_UnknownGameIsCachedNotFound(t *testing.T) {
	ts := &twitchServer{games: `{"data":[]}`}
	server := ts.start(t)
	defer server.Close()

	var buf bytes.Buffer
	tw := newTestTwitch(server, &buf, 5)

	for i := 0; i < 2; i++ {
		_, err := tw.Query(context.Background(), Target{Query: "Nonexistent Game"})
		if model.KindOf(err) != model.FailureNotFound {
			t.Errorf("未登録のゲームは NotFound になるべき, got %v", err)
		}
	}
	if n := atomic.LoadInt32(&ts.gameRequests); n != 1 {
		t.Errorf("未検出もキャッシュされるべき: 解決回数 = %d, want 1", n)
	}
}

func TestTwitch_UnauthorizedRefreshesTokenOnce(t *testing.T) {
	ts := &twitchServer{games: `{"data":[{"id":"33214","name":"Fortnite"}]}`, rejectToken: "tok1"}
	server := ts.start(t)
	defer server.Close()

	var buf bytes.Buffer
	tw := newTestTwitch(server, &buf, 5)

	res, err := tw.Query(context.Background(), Target{Query: "Fortnite"})
	if err != nil {
		t.Fatalf("トークン再取得後は成功するべき: %v", err)
	}
	if v := res.Signals[model.MetricTwitchViewerCount]; v == nil || *v != 175 {
		t.Errorf("twitch_viewer_count = %v, want 175", v)
	}
	if n := atomic.LoadInt32(&ts.tokenRequests); n != 2 {
		t.Errorf("トークン取得回数 = %d, want 2", n)
	}
}

func TestTwitch_PersistentUnauthorizedIsAuthFailure(t *testing.T) {
	ts := &twitchServer{games: `{"data":[]}`}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth2/token" {
			atomic.AddInt32(&ts.tokenRequests, 1)
			w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var buf bytes.Buffer
	tw := newTestTwitch(server, &buf, 5)

	_, err := tw.Query(context.Background(), Target{Query: "Fortnite"})
	if model.KindOf(err) != model.FailureAuth {
		t.Errorf("再取得後も401なら AuthFailure になるべき, got %v", err)
	}
	if n := atomic.LoadInt32(&ts.tokenRequests); n != 2 {
		t.Errorf("トークン取得回数 = %d, want 2", n)
	}
}
