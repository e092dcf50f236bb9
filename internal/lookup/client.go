// Package lookup queries the external company registry. The client enforces
// local guards (minimum query length, postal code shape) before any network
// call and classifies transport failures into user-facing categories.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"formline/internal/domain"
)

var (
	// ErrQueryTooShort is returned below the minimum query length. Callers
	// clear their result list without surfacing an error.
	ErrQueryTooShort = errors.New("query too short")
	// ErrBadPostalCode rejects postal filters that are not exactly 5 digits,
	// before any network call.
	ErrBadPostalCode = errors.New("postal code must be exactly 5 digits")
	// ErrNoResults distinguishes an empty result set from a transport error.
	ErrNoResults = errors.New("no companies found")
)

// ErrorKind classifies registry failures for user-facing messages.
type ErrorKind string

const (
	ErrorAuth        ErrorKind = "auth"
	ErrorRateLimited ErrorKind = "rate_limited"
	ErrorTimeout     ErrorKind = "timeout"
	ErrorNetwork     ErrorKind = "network"
	ErrorGeneric     ErrorKind = "generic"
)

// Error is a classified registry failure.
type Error struct {
	Kind   ErrorKind
	Status int
	cause  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("registry lookup failed (%s): %s", e.Kind, e.Message())
}

func (e *Error) Unwrap() error { return e.cause }

// Message is the user-facing text for the failure category.
func (e *Error) Message() string {
	switch e.Kind {
	case ErrorAuth:
		return "the registry rejected our credentials; please try again later"
	case ErrorRateLimited:
		return "too many searches; wait a moment before retrying"
	case ErrorTimeout:
		return "the registry took too long to answer"
	case ErrorNetwork:
		return "the registry could not be reached"
	default:
		return "the registry returned an unexpected error"
	}
}

var postalRe = regexp.MustCompile(`^[0-9]{5}$`)

type Client struct {
	BaseURL        string
	HTTPClient     *http.Client
	Timeout        time.Duration
	MinQueryLength int
}

func NewClient(baseURL string, minQuery int, timeout time.Duration) *Client {
	if minQuery <= 0 {
		minQuery = 2
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{BaseURL: baseURL, MinQueryLength: minQuery, Timeout: timeout}
}

// Search queries GET /search?name=&postalCode=. Postal code is optional; if
// present it must be exactly 5 digits or the call is rejected locally.
func (c *Client) Search(ctx context.Context, name, postal string) ([]domain.SearchResult, error) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) < c.minQuery() {
		return nil, ErrQueryTooShort
	}
	postal = strings.TrimSpace(postal)
	if postal != "" && !postalRe.MatchString(postal) {
		return nil, ErrBadPostalCode
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	q := url.Values{"name": {name}}
	if postal != "" {
		q.Set("postalCode", postal)
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/search?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Kind: ErrorGeneric, cause: err}
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, classifyStatus(resp.StatusCode)
	}
	var body struct {
		Results []searchResultWire `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &Error{Kind: ErrorGeneric, cause: err}
	}
	if len(body.Results) == 0 {
		return nil, ErrNoResults
	}
	results := make([]domain.SearchResult, 0, len(body.Results))
	for _, w := range body.Results {
		results = append(results, w.toDomain())
	}
	return results, nil
}

func (c *Client) minQuery() int {
	if c.MinQueryLength <= 0 {
		return 2
	}
	return c.MinQueryLength
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.Timeout
}

type searchResultWire struct {
	LegalID      string `json:"legalId"`
	TaxID        string `json:"taxId"`
	LegalName    string `json:"legalName"`
	ActivityCode string `json:"activityCode"`
	VATNumber    string `json:"vatNumber"`
	Address      struct {
		Street     string `json:"street"`
		PostalCode string `json:"postalCode"`
		City       string `json:"city"`
	} `json:"address"`
}

func (w searchResultWire) toDomain() domain.SearchResult {
	return domain.SearchResult{
		LegalID:      w.LegalID,
		TaxID:        w.TaxID,
		LegalName:    w.LegalName,
		ActivityCode: w.ActivityCode,
		VATNumber:    w.VATNumber,
		Address: domain.Address{
			Street:     cleanAddressTokens(w.Address.Street),
			PostalCode: w.Address.PostalCode,
			City:       w.Address.City,
		},
	}
}

// cleanAddressTokens drops registry placeholder tokens from street lines.
// The registry emits "ND" / "N/A" for unknown address components.
func cleanAddressTokens(street string) string {
	var kept []string
	for _, tok := range strings.Fields(street) {
		switch strings.ToUpper(strings.TrimRight(tok, ".")) {
		case "ND", "N/A":
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

func classifyStatus(status int) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: ErrorAuth, Status: status}
	case status == http.StatusTooManyRequests:
		return &Error{Kind: ErrorRateLimited, Status: status}
	case status == http.StatusGatewayTimeout:
		return &Error{Kind: ErrorTimeout, Status: status}
	default:
		return &Error{Kind: ErrorGeneric, Status: status}
	}
}

func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrorTimeout, cause: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &Error{Kind: ErrorTimeout, cause: err}
		}
		return &Error{Kind: ErrorNetwork, cause: err}
	}
	return &Error{Kind: ErrorGeneric, cause: err}
}
