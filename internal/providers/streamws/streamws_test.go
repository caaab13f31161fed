package streamws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/stratequeue/stratequeue/internal/domain"
)

func historyHandler(t *testing.T, status int, bars []wireBar) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("granularity"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(bars)
	}
}

func TestFetchHistoryOK(t *testing.T) {
	bars := []wireBar{
		{Symbol: "AAPL", Timestamp: "2025-06-02T10:00:00Z", Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000, Final: true},
		{Symbol: "AAPL", Timestamp: "2025-06-02T10:01:00Z", Open: 100.5, High: 102, Low: 100, Close: 101, Volume: 900, Final: true},
	}
	srv := httptest.NewServer(historyHandler(t, http.StatusOK, bars))
	defer srv.Close()

	p := New(Options{Name: "testfeed", HistoryURL: srv.URL}, zerolog.Nop())
	got, err := p.FetchHistory(context.Background(), "AAPL", domain.MustGranularity("1m"), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 100.5, got[0].Close)
	assert.True(t, got[0].Canonical)
	assert.Equal(t, time.Date(2025, 6, 2, 10, 1, 0, 0, time.UTC), got[1].Timestamp)
}

func TestFetchHistoryErrorClassification(t *testing.T) {
	srv5xx := httptest.NewServer(historyHandler(t, http.StatusBadGateway, nil))
	defer srv5xx.Close()
	p := New(Options{Name: "testfeed", HistoryURL: srv5xx.URL}, zerolog.Nop())
	_, err := p.FetchHistory(context.Background(), "AAPL", domain.MustGranularity("1m"), 10)
	assert.True(t, domain.IsTransient(err))

	srv4xx := httptest.NewServer(historyHandler(t, http.StatusNotFound, nil))
	defer srv4xx.Close()
	p = New(Options{Name: "testfeed", HistoryURL: srv4xx.URL}, zerolog.Nop())
	_, err = p.FetchHistory(context.Background(), "AAPL", domain.MustGranularity("1m"), 10)
	assert.True(t, domain.IsPermanentUpstream(err))
}

func TestStreamReceivesBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()

		// Expect the subscription first.
		_, msg, err := conn.Read(ctx)
		require.NoError(t, err)
		var sub subscribeMsg
		require.NoError(t, json.Unmarshal(msg, &sub))
		assert.Equal(t, "subscribe", sub.Action)
		assert.Equal(t, []string{"AAPL"}, sub.Symbols)

		// Heartbeat (ignored), then a bar.
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"heartbeat"}`)))
		bar := `{"type":"bar","data":{"symbol":"AAPL","ts":"2025-06-02T10:01:00Z","o":100,"h":101,"l":99,"c":100.5,"v":1200,"final":true}}`
		require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(bar)))

		<-ctx.Done()
	}))
	defer srv.Close()

	p := New(Options{Name: "testfeed", WSURL: "ws" + srv.URL[len("http"):]}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan domain.Bar, 4)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Stream(ctx, []string{"AAPL"}, domain.MustGranularity("1m"), out) }()

	select {
	case bar := <-out:
		assert.Equal(t, "AAPL", bar.Symbol)
		assert.Equal(t, 100.5, bar.Close)
		assert.True(t, bar.Canonical)
	case <-time.After(5 * time.Second):
		t.Fatal("no bar received")
	}

	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamDialFailureIsTransient(t *testing.T) {
	p := New(Options{Name: "testfeed", WSURL: "ws://127.0.0.1:1"}, zerolog.Nop())
	err := p.Stream(context.Background(), []string{"AAPL"}, domain.MustGranularity("1m"), make(chan domain.Bar))
	assert.True(t, domain.IsTransient(err))
}
