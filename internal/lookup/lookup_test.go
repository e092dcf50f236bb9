package lookup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formline/internal/domain"
)

func registryStub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func resultsJSON(names ...string) string {
	out := `{"results":[`
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += `{"legalId":"12345678901234","legalName":"` + n + `","address":{"street":"1 rue Haute","postalCode":"75002","city":"Paris"}}`
	}
	return out + `]}`
}

func TestShortQuerySkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := registryStub(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(resultsJSON("Aa Corp")))
	})
	c := NewClient(srv.URL, 2, time.Second)

	_, err := c.Search(context.Background(), "A", "")
	assert.ErrorIs(t, err, ErrQueryTooShort)
	assert.Zero(t, calls.Load())

	results, err := c.Search(context.Background(), "Aa", "")
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBadPostalCodeRejectedLocally(t *testing.T) {
	var calls atomic.Int32
	srv := registryStub(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
	c := NewClient(srv.URL, 2, time.Second)

	_, err := c.Search(context.Background(), "Acme", "7500")
	assert.ErrorIs(t, err, ErrBadPostalCode)
	_, err = c.Search(context.Background(), "Acme", "7500A")
	assert.ErrorIs(t, err, ErrBadPostalCode)
	assert.Zero(t, calls.Load())
}

func TestEmptyResultsAreNotATransportError(t *testing.T) {
	srv := registryStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	c := NewClient(srv.URL, 2, time.Second)

	_, err := c.Search(context.Background(), "Nothing Matches", "")
	assert.ErrorIs(t, err, ErrNoResults)
	var le *Error
	assert.False(t, errors.As(err, &le))
}

func TestStatusClassification(t *testing.T) {
	cases := map[int]ErrorKind{
		http.StatusUnauthorized:        ErrorAuth,
		http.StatusForbidden:           ErrorAuth,
		http.StatusTooManyRequests:     ErrorRateLimited,
		http.StatusGatewayTimeout:      ErrorTimeout,
		http.StatusInternalServerError: ErrorGeneric,
	}
	for status, kind := range cases {
		srv := registryStub(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		c := NewClient(srv.URL, 2, time.Second)
		_, err := c.Search(context.Background(), "Acme", "")
		var le *Error
		require.ErrorAs(t, err, &le, "status %d", status)
		assert.Equal(t, kind, le.Kind, "status %d", status)
		assert.NotEmpty(t, le.Message())
	}
}

func TestTimeoutClassification(t *testing.T) {
	srv := registryStub(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	c := NewClient(srv.URL, 2, 20*time.Millisecond)

	_, err := c.Search(context.Background(), "Acme", "")
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrorTimeout, le.Kind)
}

func TestNetworkClassification(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 2, time.Second)
	_, err := c.Search(context.Background(), "Acme", "")
	var le *Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ErrorNetwork, le.Kind)
}

func TestPlaceholderTokensDroppedFromStreet(t *testing.T) {
	assert.Equal(t, "12 rue Haute", cleanAddressTokens("ND 12 rue Haute"))
	assert.Equal(t, "12 rue Haute", cleanAddressTokens("12 N/A rue ND. Haute"))
	assert.Equal(t, "", cleanAddressTokens("ND"))
	assert.Equal(t, "Grande Rue", cleanAddressTokens("Grande Rue"))
}

func TestSearcherDiscardsStaleResponses(t *testing.T) {
	// The slow handler answers "Aaa" after the fast "Aaab" response landed.
	srv := registryStub(t, func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "Aaa" {
			time.Sleep(150 * time.Millisecond)
		}
		w.Write([]byte(resultsJSON(name)))
	})
	c := NewClient(srv.URL, 2, time.Second)

	var mu sync.Mutex
	var got []Update
	s := NewSearcher(c, 5*time.Millisecond, func(u Update) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})

	s.Query("Aaa", "")
	time.Sleep(30 * time.Millisecond) // let the slow request start
	s.Query("Aaab", "")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond) // give the stale response time to arrive

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	for _, u := range got {
		assert.Equal(t, "Aaab", u.Query, "stale Aaa delivery must be discarded")
	}
}

func TestSearcherClearsBelowMinLength(t *testing.T) {
	var calls atomic.Int32
	srv := registryStub(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })
	c := NewClient(srv.URL, 2, time.Second)

	var mu sync.Mutex
	var last Update
	s := NewSearcher(c, time.Hour, func(u Update) {
		mu.Lock()
		last = u
		mu.Unlock()
	})

	s.Query("A", "")
	mu.Lock()
	assert.Empty(t, last.Results)
	assert.NoError(t, last.Err)
	mu.Unlock()
	assert.Zero(t, calls.Load())
}

func TestSelectionCursorClamping(t *testing.T) {
	sel := NewSelection([]domain.SearchResult{
		{LegalName: "One"}, {LegalName: "Two"}, {LegalName: "Three"},
	})
	assert.True(t, sel.Open)
	assert.Equal(t, -1, sel.Index)

	_, ok := sel.Select()
	assert.False(t, ok, "nothing highlighted yet")

	sel.MoveUp()
	assert.Equal(t, 0, sel.Index)
	sel.MoveDown()
	sel.MoveDown()
	sel.MoveDown() // clamped at the last entry
	assert.Equal(t, 2, sel.Index)

	r, ok := sel.Select()
	require.True(t, ok)
	assert.Equal(t, "Three", r.LegalName)
	assert.False(t, sel.Open)
}

func TestSelectionEscapeKeepsResults(t *testing.T) {
	sel := NewSelection([]domain.SearchResult{{LegalName: "One"}})
	sel.MoveDown()
	sel.Escape()
	assert.False(t, sel.Open)
	assert.Equal(t, -1, sel.Index)
	assert.Len(t, sel.Results, 1)
}

func TestDraftFieldsMapping(t *testing.T) {
	r := domain.SearchResult{
		LegalID:   "12345678901234",
		LegalName: "Acme SARL",
		VATNumber: "FR12345678901",
		Address:   domain.Address{Street: "1 rue Haute", PostalCode: "75002", City: "Paris"},
	}
	fields := DraftFields(r)
	assert.Equal(t, "Acme SARL", fields["companyName"])
	assert.Equal(t, "12345678901234", fields["siret"])
	assert.Equal(t, "75002", fields["postalCode"])
}
