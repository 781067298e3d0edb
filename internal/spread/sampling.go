package spread

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptorun-scanner/scanner/internal/exchange"
	"github.com/cryptorun-scanner/scanner/internal/httpclient"
	"github.com/cryptorun-scanner/scanner/internal/model"
)

// Config holds the spread-sampling stage's tunables.
type Config struct {
	DurationS      int
	IntervalS      float64
	MinUptime      float64
	AllowPerSymbol bool
	PerSymbolLimit int
	RawEnabled     bool
	RawGzip        bool
}

// Result is the spread-sampling stage output (spec §4.5).
type Result struct {
	TargetTicks   int
	TicksSuccess  int
	TicksFail     int
	InvalidQuotes int
	MissingQuotes int
	Uptime        float64
	LowQuality    bool
	TimedOut      bool
	ElapsedS      float64
	RawPath       string
}

// rawWriter is the scoped-acquisition JSONL writer for raw_bookticker
// records, grounded on original_source/scanner/io/raw_writer.py: flush and
// close are guaranteed on every exit path via defer in Run.
type rawWriter struct {
	f   *os.File
	gz  *gzip.Writer
	out io.Writer
}

func newRawWriter(dir string, gzipEnabled bool) (*rawWriter, string, error) {
	name := "raw_bookticker.jsonl"
	if gzipEnabled {
		name += ".gz"
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", err
	}
	w := &rawWriter{f: f}
	if gzipEnabled {
		w.gz = gzip.NewWriter(f)
		w.out = w.gz
	} else {
		w.out = f
	}
	return w, path, nil
}

func (w *rawWriter) write(record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.out.Write(payload); err != nil {
		return err
	}
	_, err = w.out.Write([]byte("\n"))
	return err
}

func (w *rawWriter) Close() error {
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			w.f.Close()
			return err
		}
	}
	return w.f.Close()
}

type rawRecord struct {
	TS     string `json:"ts"`
	Symbol string `json:"symbol"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
}

// Run executes the spread-sampling tick loop against universe symbols,
// checking deadline at tick and per-symbol-fallback boundaries (spec §4.5,
// §4.3's deadline-propagation contract, and §5's scoped-resource rule).
// It is grounded on original_source/scanner/pipeline/spread_sampling.py's
// tick loop, translated into the teacher's idiom (typed errors, defer).
func Run(ctx context.Context, log zerolog.Logger, client *exchange.Client, symbols []model.Symbol, cfg Config, outDir string) (Result, error) {
	if cfg.IntervalS <= 0 {
		return Result{}, fmt.Errorf("spread: interval_s must be positive")
	}
	if cfg.DurationS <= 0 {
		return Result{}, fmt.Errorf("spread: duration_s must be positive")
	}

	universeSet := make(map[model.Symbol]struct{}, len(symbols))
	for _, s := range symbols {
		universeSet[s] = struct{}{}
	}

	targetTicks := int(math.Ceil(float64(cfg.DurationS) / cfg.IntervalS))
	if targetTicks < 1 {
		targetTicks = 1
	}

	var writer *rawWriter
	var rawPath string
	if cfg.RawEnabled {
		w, path, err := newRawWriter(outDir, cfg.RawGzip)
		if err != nil {
			return Result{}, fmt.Errorf("spread: opening raw writer: %w", err)
		}
		writer = w
		rawPath = path
		defer writer.Close()
	}

	ticksSuccess, ticksFail, invalidCount, missingCount := 0, 0, 0, 0
	timedOut := false
	start := time.Now()

	for tick := 0; tick < targetTicks; tick++ {
		if ctx.Err() != nil {
			timedOut = true
			break
		}
		if deadline, ok := ctx.Deadline(); ok && time.Now().After(deadline) {
			timedOut = true
			break
		}

		tickTS := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		symbolsSeen := make(map[model.Symbol]struct{})
		var payload []exchange.BookTicker

		bulk, err := client.BookTicker(ctx)
		switch {
		case err == nil:
			payload = bulk
			ticksSuccess++
		default:
			var fatal *httpclient.Fatal
			isFatal := errors.As(err, &fatal)
			if isFatal && cfg.AllowPerSymbol && len(symbols) <= cfg.PerSymbolLimit {
				var perSymbolPayload []exchange.BookTicker
				failures := 0
				for _, sym := range symbols {
					if ctx.Err() != nil {
						break
					}
					bt, err := client.BookTickerSymbol(ctx, sym)
					if err != nil {
						failures++
						continue
					}
					perSymbolPayload = append(perSymbolPayload, bt)
				}
				if len(perSymbolPayload) > 0 {
					payload = perSymbolPayload
					ticksSuccess++
				} else {
					ticksFail++
				}
				if failures > 0 {
					log.Warn().Str("event", "spread_tick_partial").Int("tick_idx", tick).Int("failures", failures).Msg("per-symbol fallback had failures")
				}
			} else {
				ticksFail++
				log.Warn().Str("event", "spread_tick_fail").Int("tick_idx", tick).Err(err).Msg("bulk bookTicker failed")
			}
		}

		for _, entry := range payload {
			if _, ok := universeSet[entry.Symbol]; !ok {
				continue
			}
			bidStr, askStr := quoteStrings(entry)
			bid, bidOK := parseFloat(bidStr)
			ask, askOK := parseFloat(askStr)
			symbolsSeen[entry.Symbol] = struct{}{}
			if !bidOK || !askOK || bid <= 0 || ask <= 0 || bid >= ask {
				invalidCount++
				continue
			}
			if writer != nil {
				_ = writer.write(rawRecord{TS: tickTS, Symbol: entry.Symbol, Bid: bidStr, Ask: askStr})
			}
		}

		if payload != nil {
			missingCount += len(universeSet) - len(symbolsSeen)
		}

		log.Info().Str("event", "spread_tick").Int("tick_idx", tick).Int("symbols_seen", len(symbolsSeen)).Msg("spread tick collected")

		nextDeadline := start.Add(time.Duration(float64(tick+1) * cfg.IntervalS * float64(time.Second)))
		if sleep := time.Until(nextDeadline); sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				timedOut = true
			case <-timer.C:
			}
		}
		if timedOut {
			break
		}
	}

	uptime := 0.0
	if targetTicks > 0 {
		uptime = float64(ticksSuccess) / float64(targetTicks)
	}

	return Result{
		TargetTicks:   targetTicks,
		TicksSuccess:  ticksSuccess,
		TicksFail:     ticksFail,
		InvalidQuotes: invalidCount,
		MissingQuotes: missingCount,
		Uptime:        uptime,
		LowQuality:    uptime < cfg.MinUptime,
		TimedOut:      timedOut,
		ElapsedS:      time.Since(start).Seconds(),
		RawPath:       rawPath,
	}, nil
}

func quoteStrings(entry exchange.BookTicker) (string, string) {
	bid := entry.BidPrice.String()
	if bid == "" {
		bid = entry.Bid.String()
	}
	ask := entry.AskPrice.String()
	if ask == "" {
		ask = entry.Ask.String()
	}
	return bid, ask
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

