// Package streamws implements a data provider over a JSON-speaking
// websocket feed with an HTTP history endpoint. One Stream call is one
// connection: the data manager owns reconnection, backoff and gap backfill,
// so the provider only reads until the connection dies.
package streamws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/stratequeue/stratequeue/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second
)

// Options configure a streamws provider instance.
type Options struct {
	// Name is the provider's registry name (e.g. "polygon-ws").
	Name string
	// WSURL is the websocket endpoint.
	WSURL string
	// HistoryURL is the HTTP endpoint for historical bars. Query
	// parameters symbol, granularity and limit are appended.
	HistoryURL string
	// APIKey, when set, is sent as the X-Api-Key header and as a query
	// parameter on the websocket dial.
	APIKey string
}

// Provider is a websocket-backed data provider.
type Provider struct {
	opts       Options
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates a provider.
func New(opts Options, log zerolog.Logger) *Provider {
	return &Provider{
		opts:       opts,
		httpClient: createHTTP1Client(),
		log:        log.With().Str("component", "streamws").Str("provider", opts.Name).Logger(),
	}
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// WebSocket requires HTTP/1.1 for the upgrade handshake, and fronting
// proxies otherwise negotiate HTTP/2 via TLS ALPN.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// Name returns the registry name.
func (p *Provider) Name() string { return p.opts.Name }

// wireBar is the feed's bar payload.
type wireBar struct {
	Symbol    string  `json:"symbol"`
	Timestamp string  `json:"ts"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
	Final     bool    `json:"final"`
}

func (w wireBar) toBar() (domain.Bar, error) {
	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return domain.Bar{}, fmt.Errorf("bad bar timestamp %q: %w", w.Timestamp, err)
	}
	return domain.Bar{
		Symbol:    w.Symbol,
		Timestamp: ts,
		Open:      w.Open,
		High:      w.High,
		Low:       w.Low,
		Close:     w.Close,
		Volume:    w.Volume,
		Canonical: w.Final,
	}, nil
}

// FetchHistory queries the HTTP history endpoint.
func (p *Provider) FetchHistory(ctx context.Context, symbol string, gran domain.Granularity, lookback int) ([]domain.Bar, error) {
	u, err := url.Parse(p.opts.HistoryURL)
	if err != nil {
		return nil, &domain.ConfigError{Field: "history_url", Detail: err.Error()}
	}
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("granularity", gran.String())
	q.Set("limit", strconv.Itoa(lookback))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if p.opts.APIKey != "" {
		req.Header.Set("X-Api-Key", p.opts.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransientUpstreamError{Upstream: p.opts.Name, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, &domain.TransientUpstreamError{Upstream: p.opts.Name, Cause: fmt.Errorf("history returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &domain.PermanentUpstreamError{Upstream: p.opts.Name, Cause: fmt.Errorf("history returned %d: %s", resp.StatusCode, body)}
	}

	var wire []wireBar
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &domain.TransientUpstreamError{Upstream: p.opts.Name, Cause: fmt.Errorf("bad history payload: %w", err)}
	}

	bars := make([]domain.Bar, 0, len(wire))
	for _, w := range wire {
		bar, err := w.toBar()
		if err != nil {
			p.log.Warn().Err(err).Msg("Discarding malformed history bar")
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// subscribeMsg is the feed's subscription request.
type subscribeMsg struct {
	Action      string   `json:"action"`
	Symbols     []string `json:"symbols"`
	Granularity string   `json:"granularity"`
}

// envelope is the feed's message frame.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Stream dials the feed, subscribes and forwards bars until the context is
// cancelled or the connection fails.
func (p *Provider) Stream(ctx context.Context, symbols []string, gran domain.Granularity, out chan<- domain.Bar) error {
	wsURL := p.opts.WSURL
	if p.opts.APIKey != "" {
		sep := "?"
		if u, err := url.Parse(wsURL); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		wsURL += sep + "api_key=" + url.QueryEscape(p.opts.APIKey)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPClient: p.httpClient})
	cancelDial()
	if err != nil {
		return &domain.TransientUpstreamError{Upstream: p.opts.Name, Cause: fmt.Errorf("dial failed: %w", err)}
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := subscribeMsg{Action: "subscribe", Symbols: symbols, Granularity: gran.String()}
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, writeWait)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancelWrite()
	if err != nil {
		return &domain.TransientUpstreamError{Upstream: p.opts.Name, Cause: fmt.Errorf("subscribe failed: %w", err)}
	}

	p.log.Info().Strs("symbols", symbols).Str("granularity", gran.String()).Msg("Subscribed to feed")

	for {
		msgType, message, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return &domain.TransientUpstreamError{Upstream: p.opts.Name, Cause: fmt.Errorf("feed closed (%d)", status)}
			}
			return &domain.TransientUpstreamError{Upstream: p.opts.Name, Cause: err}
		}
		if msgType != websocket.MessageText {
			continue
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			p.log.Warn().Err(err).Msg("Discarding malformed feed message")
			continue
		}

		switch env.Type {
		case "bar":
			var w wireBar
			if err := json.Unmarshal(env.Data, &w); err != nil {
				p.log.Warn().Err(err).Msg("Discarding malformed bar payload")
				continue
			}
			bar, err := w.toBar()
			if err != nil {
				p.log.Warn().Err(err).Msg("Discarding bar with bad timestamp")
				continue
			}
			select {
			case out <- bar:
			case <-ctx.Done():
				return ctx.Err()
			}
		case "error":
			return &domain.PermanentUpstreamError{Upstream: p.opts.Name, Cause: fmt.Errorf("feed error: %s", env.Data)}
		default:
			// heartbeats, acks
		}
	}
}
