package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketpulse/pkg/jobs"
	"marketpulse/pkg/models"
)

// maxFeedBody caps how much of a feed response we are willing to parse.
const maxFeedBody = 8 << 20 // 8 MiB

// APIAdapter serves the built-in "api" source kind: a plain HTTP
// endpoint returning a JSON array of items.
type APIAdapter struct {
	client *http.Client
}

func NewAPIAdapter() *APIAdapter {
	return &APIAdapter{client: &http.Client{Timeout: 30 * time.Second}}
}

// apiItem is the wire shape the endpoint returns. id/external_id and
// body/content are accepted interchangeably because upstreams disagree.
type apiItem struct {
	ID          string     `json:"id"`
	ExternalID  string     `json:"external_id"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Content     string     `json:"content"`
	AudioURL    string     `json:"audio_url"`
	PublishedAt *time.Time `json:"published_at"`
}

// Fetch implements jobs.FeedAdapter. A 4xx from the endpoint is a
// permanent failure; transport errors and 5xx stay transient so the
// queue retries them.
func (a *APIAdapter) Fetch(ctx context.Context, source *models.FeedSource) ([]jobs.FeedItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.Endpoint, nil)
	if err != nil {
		return nil, jobs.Permanentf("build request for %s: %v", source.Endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", source.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, jobs.Permanentf("endpoint %s rejected the fetch: %s", source.Endpoint, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint %s returned %s", source.Endpoint, resp.Status)
	}

	var raw []apiItem
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBody)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", source.Endpoint, err)
	}

	items := make([]jobs.FeedItem, 0, len(raw))
	for _, r := range raw {
		externalID := r.ExternalID
		if externalID == "" {
			externalID = r.ID
		}
		if externalID == "" {
			continue // unidentifiable items cannot be deduplicated across fetches
		}
		body := r.Body
		if body == "" {
			body = r.Content
		}
		items = append(items, jobs.FeedItem{
			ExternalID:  externalID,
			Title:       r.Title,
			Body:        body,
			AudioURL:    r.AudioURL,
			PublishedAt: r.PublishedAt,
		})
	}
	return items, nil
}
