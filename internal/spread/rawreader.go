package spread

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cryptorun-scanner/scanner/internal/model"
)

// ReadRawSamples decodes raw_bookticker.jsonl(.gz) back into per-symbol
// SpreadSample slices, the input the score stage's stats engine consumes
// (spec §4.6: "score stage requires sampling.raw.enabled=true").
func ReadRawSamples(path string) (map[model.Symbol][]model.SpreadSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("spread: opening raw file %s: %w", path, err)
	}
	defer f.Close()

	var scanner *bufio.Scanner
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("spread: gzip reader: %w", err)
		}
		defer gz.Close()
		scanner = bufio.NewScanner(gz)
	} else {
		scanner = bufio.NewScanner(f)
	}
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	out := make(map[model.Symbol][]model.SpreadSample)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec rawRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		bid, bidOK := parseFloat(rec.Bid)
		ask, askOK := parseFloat(rec.Ask)
		if !bidOK || !askOK {
			continue
		}
		out[rec.Symbol] = append(out[rec.Symbol], model.SpreadSample{Symbol: rec.Symbol, Bid: bid, Ask: ask})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("spread: scanning raw file: %w", err)
	}
	return out, nil
}
