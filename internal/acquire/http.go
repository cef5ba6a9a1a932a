package acquire

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/civicsignal/billcost/internal/config"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/resilience"
)

const maxPayloadBytes = 16 << 20 // 16 MiB

// httpDoer lets tests inject a fake HTTP client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// baseClient is the shared rate-limited HTTP transport for both fetchers.
// One limiter covers the whole sweep so bursts of sources do not hammer
// small municipal servers.
type baseClient struct {
	client    httpDoer
	limiter   *rate.Limiter
	userAgent string
	retry     resilience.RetryConfig
}

func newBaseClient(cfg config.AcquireConfig) *baseClient {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2.0
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &baseClient{
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		userAgent: cfg.UserAgent,
		retry:     resilience.DefaultRetryConfig(),
	}
}

// get performs a rate-limited GET with retries on transient failures.
func (b *baseClient) get(ctx context.Context, url, accept string) ([]byte, error) {
	return resilience.DoVal(ctx, b.retry, func(ctx context.Context) ([]byte, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, eris.Wrap(err, "acquire: create request")
		}
		req.Header.Set("Accept", accept)
		if b.userAgent != "" {
			req.Header.Set("User-Agent", b.userAgent)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "acquire: request failed"), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("acquire: GET %s returned status %d", url, resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(err, resp.StatusCode)
			}
			return nil, err
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "acquire: read body"), 0)
		}
		return body, nil
	})
}

// apiItem is the wire shape of one document in an API listing. Municipal
// APIs differ in field naming; the common aliases are accepted.
type apiItem struct {
	ID          string `json:"id"`
	ExternalID  string `json:"external_id"`
	Title       string `json:"title"`
	Name        string `json:"name"`
	PublishedAt string `json:"published_at"`
	Date        string `json:"date"`
	Content     string `json:"content"`
	Text        string `json:"text"`
	Body        string `json:"body"`
}

// APIFetcher pulls a JSON document listing from an API source.
type APIFetcher struct {
	base *baseClient
}

// NewAPIFetcher creates an APIFetcher.
func NewAPIFetcher(cfg config.AcquireConfig) *APIFetcher {
	return &APIFetcher{base: newBaseClient(cfg)}
}

func (f *APIFetcher) Method() model.AcquisitionMethod { return model.MethodAPI }

// Fetch retrieves and parses the source's JSON listing. Each listed
// entry becomes one Item with structured fields populated.
func (f *APIFetcher) Fetch(ctx context.Context, src model.Source) (*Result, error) {
	start := time.Now()
	body, err := f.base.get(ctx, src.URL, "application/json")
	if err != nil {
		return nil, err
	}

	var raw []apiItem
	if err := json.Unmarshal(body, &raw); err != nil {
		// Some endpoints wrap the list in an envelope.
		var envelope struct {
			Items []apiItem `json:"items"`
		}
		if err2 := json.Unmarshal(body, &envelope); err2 != nil {
			return nil, eris.Wrapf(err, "acquire: parse API response from %s", src.URL)
		}
		raw = envelope.Items
	}

	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		item := Item{
			ExternalID:  firstNonEmpty(r.ExternalID, r.ID),
			Title:       firstNonEmpty(r.Title, r.Name),
			ContentType: "application/json",
			Payload:     []byte(firstNonEmpty(r.Content, r.Text, r.Body)),
		}
		if ts := firstNonEmpty(r.PublishedAt, r.Date); ts != "" {
			if t, err := parseTimestamp(ts); err == nil {
				item.PublishedAt = &t
			}
		}
		if len(item.Payload) == 0 {
			continue
		}
		items = append(items, item)
	}

	return &Result{SourceID: src.ID, Items: items, Latency: time.Since(start)}, nil
}

// ScrapeFetcher fetches a web page source as a single document.
type ScrapeFetcher struct {
	base *baseClient
}

// NewScrapeFetcher creates a ScrapeFetcher.
func NewScrapeFetcher(cfg config.AcquireConfig) *ScrapeFetcher {
	return &ScrapeFetcher{base: newBaseClient(cfg)}
}

func (f *ScrapeFetcher) Method() model.AcquisitionMethod { return model.MethodScrape }

// Fetch retrieves the page body. The whole page is one Item; chunking
// happens downstream at ingestion.
func (f *ScrapeFetcher) Fetch(ctx context.Context, src model.Source) (*Result, error) {
	start := time.Now()
	body, err := f.base.get(ctx, src.URL, "text/html")
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return &Result{SourceID: src.ID, Latency: time.Since(start)}, nil
	}

	item := Item{
		ContentType: "text/html",
		Payload:     body,
	}
	return &Result{SourceID: src.ID, Items: []Item{item}, Latency: time.Since(start)}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("acquire: unrecognized timestamp %q", s)
}
