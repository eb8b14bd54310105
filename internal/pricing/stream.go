package pricing

import (
	"context"
	"sync"
	"time"

	"cryptowatch/internal/models"
)

// StreamSource serves the latest quote received from a streaming feed.
// Quotes older than maxAge are reported missing rather than served.
type StreamSource struct {
	mu     sync.RWMutex
	latest map[string]models.PriceQuote
	maxAge time.Duration
	now    func() time.Time
}

// NewStreamSource creates an empty latest-quote table
func NewStreamSource(maxAge time.Duration) *StreamSource {
	return &StreamSource{
		latest: make(map[string]models.PriceQuote),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Update records a streamed quote. Out-of-order quotes older than the
// current one are ignored.
func (s *StreamSource) Update(q models.PriceQuote) {
	if !q.Price.IsPositive() {
		return
	}
	q.CoinID = models.NormalizeCoinID(q.CoinID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.latest[q.CoinID]; ok && cur.ObservedAt.After(q.ObservedAt) {
		return
	}
	s.latest[q.CoinID] = q
}

// Run copies quotes from a feed channel until it closes or ctx is done
func (s *StreamSource) Run(ctx context.Context, quotes <-chan models.PriceQuote) {
	for {
		select {
		case <-ctx.Done():
			return
		case q, ok := <-quotes:
			if !ok {
				return
			}
			s.Update(q)
		}
	}
}

func (s *StreamSource) FetchPrices(_ context.Context, ids []string) (map[string]models.PriceQuote, error) {
	ids = Dedupe(ids)
	now := s.now()

	s.mu.RLock()
	quotes := make(map[string]models.PriceQuote, len(ids))
	for _, id := range ids {
		q, ok := s.latest[id]
		if !ok || now.Sub(q.ObservedAt) > s.maxAge {
			continue
		}
		quotes[id] = q
	}
	s.mu.RUnlock()

	return quotes, NewPartialPriceFailure(MissingFrom(ids, quotes), nil)
}
