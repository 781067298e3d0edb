package universe

import (
	"fmt"
	"strings"

	"github.com/cryptorun-scanner/scanner/internal/model"
	"github.com/cryptorun-scanner/scanner/internal/runstore"
)

// WriteJSON persists the full UniverseResult to universe.json (spec §6).
func WriteJSON(store *runstore.Store, name string, result model.UniverseResult) error {
	return store.WriteJSONAtomic(name, result)
}

// WriteRejectsCSV writes universe_rejects.csv, one row per rejected symbol
// with its reason code (spec §6).
func WriteRejectsCSV(store *runstore.Store, name string, result model.UniverseResult) error {
	var b strings.Builder
	b.WriteString("symbol,reason\n")
	for _, r := range result.Rejects {
		fmt.Fprintf(&b, "%s,%s\n", r.Symbol, r.Reason)
	}
	return store.WriteFileAtomic(name, []byte(b.String()))
}
