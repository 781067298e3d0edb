package spread

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptorun-scanner/scanner/internal/exchange"
	"github.com/cryptorun-scanner/scanner/internal/httpclient"
)

func newTestExchange(t *testing.T, handler http.HandlerFunc) *exchange.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := httpclient.Config{
		BaseURL:        srv.URL,
		RPS:            1000,
		Burst:          1000,
		MaxRetries:     1,
		RequestTimeout: 2 * time.Second,
	}
	c, err := httpclient.New(cfg, nil)
	require.NoError(t, err)
	return exchange.New(c)
}

func TestRun_CollectsValidSamplesAndWritesRaw(t *testing.T) {
	book := []map[string]string{
		{"symbol": "BTCUSDT", "bidPrice": "100.0", "askPrice": "100.5"},
		{"symbol": "ETHUSDT", "bidPrice": "50.0", "askPrice": "50.1"},
	}
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(book)
	})

	dir := t.TempDir()
	cfg := Config{DurationS: 1, IntervalS: 0.25, MinUptime: 0.5, RawEnabled: true}
	res, err := Run(context.Background(), zerolog.Nop(), ex, []string{"BTCUSDT", "ETHUSDT"}, cfg, dir)
	require.NoError(t, err)

	assert.Equal(t, res.TargetTicks, res.TicksSuccess)
	assert.Zero(t, res.TicksFail)
	assert.Zero(t, res.InvalidQuotes)
	assert.Zero(t, res.MissingQuotes)
	assert.InDelta(t, 1.0, res.Uptime, 1e-9)
	assert.False(t, res.LowQuality)
	assert.False(t, res.TimedOut)

	raw, err := os.ReadFile(res.RawPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	assert.Equal(t, res.TargetTicks*2, len(lines))
}

func TestRun_CountsInvalidAndMissingQuotes(t *testing.T) {
	book := []map[string]string{
		{"symbol": "BTCUSDT", "bidPrice": "100.0", "askPrice": "99.0"}, // invalid: bid >= ask
		{"symbol": "ETHUSDT", "bidPrice": "50.0", "askPrice": "50.1"},
		// SOLUSDT absent entirely -> counts as missing
	}
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(book)
	})

	dir := t.TempDir()
	cfg := Config{DurationS: 1, IntervalS: 1, MinUptime: 0.5}
	res, err := Run(context.Background(), zerolog.Nop(), ex, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, cfg, dir)
	require.NoError(t, err)

	assert.Equal(t, 1, res.TicksSuccess)
	assert.Equal(t, 1, res.InvalidQuotes)
	assert.Equal(t, 1, res.MissingQuotes)
}

func TestRun_MarksTimedOutWhenContextExpires(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode([]map[string]string{})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	dir := t.TempDir()
	cfg := Config{DurationS: 5, IntervalS: 0.5, MinUptime: 0.5}
	res, err := Run(ctx, zerolog.Nop(), ex, []string{"BTCUSDT"}, cfg, dir)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, res.TicksSuccess+res.TicksFail, res.TargetTicks)
}

func TestRun_RejectsNonPositiveIntervalOrDuration(t *testing.T) {
	ex := newTestExchange(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{})
	})
	dir := t.TempDir()

	_, err := Run(context.Background(), zerolog.Nop(), ex, nil, Config{DurationS: 1, IntervalS: 0}, dir)
	assert.Error(t, err)

	_, err = Run(context.Background(), zerolog.Nop(), ex, nil, Config{DurationS: 0, IntervalS: 1}, dir)
	assert.Error(t, err)
}
