package connector

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/gamepulse/internal/model"
)

const steamDetailsJSON = `{"730":{"success":true,"data":{
	"name":"Counter-Strike 2",
	"is_free":true,
	"release_date":{"coming_soon":false,"date":"21 Aug, 2012"},
	"metacritic":{"score":83},
	"genres":[{"id":"1","description":"Action"},{"id":"37","description":"Free to Play"}]
}}}`

func newSteamServer(t *testing.T, detailsHits *int32, details string, playerStatus int, players string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/appdetails":
			atomic.AddInt32(detailsHits, 1)
			if got := r.URL.Query().Get("appids"); got != "730" {
				t.Errorf("appids = %q, want 730", got)
			}
			w.Write([]byte(details))
		case "/ISteamUserStats/GetNumberOfCurrentPlayers/v1/":
			w.WriteHeader(playerStatus)
			w.Write([]byte(players))
		default:
			t.Errorf("予期しないパス: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestSteam(server *httptest.Server, buf *bytes.Buffer) *Steam {
	s := NewSteam(server.Client(), "", nil, newTestLogger(buf))
	s.storeURL = server.URL
	s.apiURL = server.URL
	return s
}

func TestSteam_Query_ReturnsDetailsAndPlayerCount(t *testing.T) {
	var hits int32
	server := newSteamServer(t, &hits, steamDetailsJSON, http.StatusOK, `{"response":{"player_count":812345,"result":1}}`)
	defer server.Close()

	var buf bytes.Buffer
	s := newTestSteam(server, &buf)

	res, err := s.Query(context.Background(), Target{GameID: "730"})
	if err != nil {
		t.Fatalf("Query がエラーを返した: %v", err)
	}

	if res.Details == nil {
		t.Fatal("Details が設定されるべき")
	}
	if res.Details.Name != "Counter-Strike 2" {
		t.Errorf("Name = %q", res.Details.Name)
	}
	wantRelease := time.Date(2012, 8, 21, 0, 0, 0, 0, time.UTC)
	if res.Details.ReleaseDate == nil || !res.Details.ReleaseDate.Equal(wantRelease) {
		t.Errorf("ReleaseDate = %v, want %v", res.Details.ReleaseDate, wantRelease)
	}
	if !res.Details.IsFree {
		t.Error("IsFree が true になるべき")
	}
	if strings.Join(res.Details.Genres, ",") != "Action,Free to Play" {
		t.Errorf("Genres = %v", res.Details.Genres)
	}

	if v := res.Signals[model.MetricPlayerCount]; v == nil || *v != 812345 {
		t.Errorf("player_count = %v, want 812345", v)
	}
	if v := res.Signals[model.MetricMetacriticScore]; v == nil || *v != 83 {
		t.Errorf("metacritic_score = %v, want 83", v)
	}
}

func TestSteam_FetchStoreDetails_Cached(t *testing.T) {
	var hits int32
	server := newSteamServer(t, &hits, steamDetailsJSON, http.StatusOK, `{"response":{"player_count":1,"result":1}}`)
	defer server.Close()

	var buf bytes.Buffer
	s := newTestSteam(server, &buf)

	for i := 0; i < 3; i++ {
		if _, err := s.Query(context.Background(), Target{GameID: "730"}); err != nil {
			t.Fatalf("Query がエラーを返した: %v", err)
		}
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("ストア詳細の取得回数 = %d, want 1", n)
	}
}

func TestSteam_Query_UnknownAppIsNotFound(t *testing.T) {
	var hits int32
	server := newSteamServer(t, &hits, `{"730":{"success":false}}`, http.StatusOK, `{}`)
	defer server.Close()

	var buf bytes.Buffer
	s := newTestSteam(server, &buf)

	_, err := s.Query(context.Background(), Target{GameID: "730"})
	if model.KindOf(err) != model.FailureNotFound {
		t.Errorf("success=false は NotFound になるべき, got %v", err)
	}
}

func TestSteam_Query_MissingPlayerStatsIsAbsent(t *testing.T) {
	var hits int32
	server := newSteamServer(t, &hits, steamDetailsJSON, http.StatusNotFound, `{"response":{"result":42}}`)
	defer server.Close()

	var buf bytes.Buffer
	s := newTestSteam(server, &buf)

	res, err := s.Query(context.Background(), Target{GameID: "730"})
	if err != nil {
		t.Fatalf("プレイヤー統計がなくても失敗にしないはず: %v", err)
	}
	if v, ok := res.Signals[model.MetricPlayerCount]; !ok || v != nil {
		t.Errorf("player_count は欠損(nil)として存在するべき, got %v (present=%v)", v, ok)
	}
}

func TestSteam_Query_ServerErrorIsTransient(t *testing.T) {
	var hits int32
	server := newSteamServer(t, &hits, steamDetailsJSON, http.StatusServiceUnavailable, ``)
	defer server.Close()

	var buf bytes.Buffer
	s := newTestSteam(server, &buf)

	_, err := s.Query(context.Background(), Target{GameID: "730"})
	if model.KindOf(err) != model.FailureTransient {
		t.Errorf("503 は Transient になるべき, got %v", err)
	}
}

func TestSteam_ComingSoonHasNoReleaseDate(t *testing.T) {
	var hits int32
	details := `{"730":{"success":true,"data":{"name":"Upcoming","release_date":{"coming_soon":true,"date":"Coming soon"}}}}`
	server := newSteamServer(t, &hits, details, http.StatusOK, `{"response":{"player_count":0,"result":1}}`)
	defer server.Close()

	var buf bytes.Buffer
	s := newTestSteam(server, &buf)

	d, err := s.FetchStoreDetails(context.Background(), "730")
	if err != nil {
		t.Fatalf("FetchStoreDetails がエラーを返した: %v", err)
	}
	if d.ReleaseDate != nil {
		t.Errorf("未発売のゲームは発売日なしになるべき, got %v", d.ReleaseDate)
	}
	if d.MetacriticScore != nil {
		t.Errorf("メタスコア未掲載は nil になるべき, got %v", *d.MetacriticScore)
	}
}
