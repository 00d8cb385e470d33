package location

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
	"github.com/oszuidwest/zwfm-silencewatch/internal/util"
)

// DefaultLookupURL is the IP geolocation endpoint.
const DefaultLookupURL = "http://ip-api.com/json/?fields=status,message,city,country"

// DefaultLookupTimeout bounds a single lookup.
const DefaultLookupTimeout = 5 * time.Second

// HTTPProvider resolves the location from an IP geolocation service that
// answers with {"status","message","city","country"}.
type HTTPProvider struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPProvider returns a provider using url, or DefaultLookupURL when empty.
func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{
		URL:     cmp.Or(url, DefaultLookupURL),
		Timeout: DefaultLookupTimeout,
		Client:  &http.Client{},
	}
}

type lookupResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	City    string `json:"city"`
	Country string `json:"country"`
}

// Lookup performs one geolocation request.
func (p *HTTPProvider) Lookup(ctx context.Context) (types.LocationInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, cmp.Or(p.Timeout, DefaultLookupTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, http.NoBody)
	if err != nil {
		return types.LocationInfo{}, &Error{Err: util.WrapError("create request", err)}
	}
	req.Header.Set("Accept", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return types.LocationInfo{}, &Error{Err: util.WrapError("query location service", err)}
	}
	defer resp.Body.Close() //nolint:errcheck // Response body read-only

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.LocationInfo{}, &Error{Err: fmt.Errorf("location service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var r lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&r); err != nil {
		return types.LocationInfo{}, &Error{Err: util.WrapError("decode location response", err)}
	}
	if r.Status != "" && r.Status != "success" {
		return types.LocationInfo{}, &Error{Err: fmt.Errorf("location service: %s", cmp.Or(r.Message, r.Status))}
	}

	return types.LocationInfo{
		City:    cmp.Or(strings.TrimSpace(r.City), types.UnknownPlace),
		Country: cmp.Or(strings.TrimSpace(r.Country), types.UnknownPlace),
	}, nil
}

// StaticProvider returns a configured location without any network access.
type StaticProvider struct {
	City    string
	Country string
}

// Lookup returns the configured place, with Unknown in place of empty fields.
func (p StaticProvider) Lookup(context.Context) (types.LocationInfo, error) {
	return types.LocationInfo{
		City:    cmp.Or(p.City, types.UnknownPlace),
		Country: cmp.Or(p.Country, types.UnknownPlace),
	}, nil
}

// Error reports a failed lookup. The cache always recovers from it.
type Error struct {
	Err error
}

func (e *Error) Error() string { return e.Err.Error() }

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches types.ErrLocationLookup.
func (e *Error) Is(target error) bool { return target == types.ErrLocationLookup }
