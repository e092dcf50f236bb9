package lookup

import (
	"context"
	"strings"
	"sync"
	"time"

	"formline/internal/domain"
	"formline/internal/schedule"
)

// Update carries the outcome of one search to the Searcher's consumer.
// Results and Err are mutually exclusive; both empty means "cleared".
type Update struct {
	Query   string
	Results []domain.SearchResult
	Err     error
}

// Searcher debounces queries in front of a Client and discards stale
// responses: a response belonging to any query older than the latest one is
// dropped, so a slow early request can never overwrite a fast later one.
type Searcher struct {
	Client   *Client
	Debounce time.Duration
	OnUpdate func(Update)

	mu   sync.Mutex
	gen  uint64
	task schedule.Task
}

func NewSearcher(c *Client, debounce time.Duration, onUpdate func(Update)) *Searcher {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	return &Searcher{Client: c, Debounce: debounce, OnUpdate: onUpdate}
}

// Query registers new input. Below the minimum length the pending search is
// cancelled and results clear immediately without a network call.
func (s *Searcher) Query(name, postal string) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if len([]rune(strings.TrimSpace(name))) < s.Client.minQuery() {
		s.task.Cancel()
		s.deliver(gen, Update{Query: name})
		return
	}
	s.task.Reschedule(s.Debounce, func() { s.run(gen, name, postal) })
}

func (s *Searcher) run(gen uint64, name, postal string) {
	results, err := s.Client.Search(context.Background(), name, postal)
	s.deliver(gen, Update{Query: name, Results: results, Err: err})
}

func (s *Searcher) deliver(gen uint64, u Update) {
	s.mu.Lock()
	stale := gen != s.gen
	s.mu.Unlock()
	if stale || s.OnUpdate == nil {
		return
	}
	s.OnUpdate(u)
}
