// Package pricing defines the upstream price source contract and its
// implementations.
package pricing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cryptowatch/internal/models"
)

// PriceSource returns current quotes for a set of coin ids. It may fail
// partially, in which case the returned error is a *PartialPriceFailure and
// the map holds the quotes that were resolved.
type PriceSource interface {
	FetchPrices(ctx context.Context, ids []string) (map[string]models.PriceQuote, error)
}

// PartialPriceFailure reports coin ids that could not be resolved
type PartialPriceFailure struct {
	Missing []string
	Cause   error
}

func (e *PartialPriceFailure) Error() string {
	msg := fmt.Sprintf("prices unavailable for %d coin(s): %s", len(e.Missing), strings.Join(e.Missing, ","))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PartialPriceFailure) Unwrap() error {
	return e.Cause
}

// NewPartialPriceFailure returns nil when nothing is missing
func NewPartialPriceFailure(missing []string, cause error) error {
	if len(missing) == 0 {
		return nil
	}
	sorted := append([]string(nil), missing...)
	sort.Strings(sorted)
	return &PartialPriceFailure{Missing: sorted, Cause: cause}
}

// MissingFrom lists the requested ids absent from quotes
func MissingFrom(ids []string, quotes map[string]models.PriceQuote) []string {
	var missing []string
	for _, id := range ids {
		if _, ok := quotes[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Dedupe normalises ids and drops empties and duplicates, keeping input order
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = models.NormalizeCoinID(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
