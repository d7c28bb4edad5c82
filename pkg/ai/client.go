// Package ai is the HTTP client for the AI sidecar: content processing,
// daily analysis, prediction generation and audio transcription behind
// one JSON API. The client implements the pipeline's collaborator
// interfaces so handlers never see HTTP.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"marketpulse/pkg/jobs"
	"marketpulse/pkg/models"
	"marketpulse/pkg/resilience"
)

// errorBodyLimit caps how much of an upstream error body is quoted in
// diagnostics.
const errorBodyLimit = 512

// Client talks to the sidecar. One circuit breaker guards all routes:
// the sidecar is a single process, so one route failing means all do.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *resilience.CircuitBreaker
}

// NewClient builds a client for the sidecar at baseURL. timeout bounds a
// single call including body read; the longest route is transcription,
// so keep it generous and let per-job deadlines do the real enforcing.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker("ai-sidecar", resilience.DefaultCircuitBreakerConfig()),
	}
}

type processRequest struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Transcript string `json:"transcript,omitempty"`
}

// Process implements jobs.Processor.
func (c *Client) Process(ctx context.Context, item *models.RawFeedItem) (*jobs.ProcessedResult, error) {
	var out jobs.ProcessedResult
	if err := c.post(ctx, "/v1/process", processRequest{
		Title:      item.Title,
		Body:       item.Body,
		Transcript: item.Transcript,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type analyzeRequest struct {
	Date     string           `json:"date"`
	Contents []analyzeContent `json:"contents"`
}

type analyzeContent struct {
	Summary   string   `json:"summary"`
	Sentiment string   `json:"sentiment"`
	Topics    []string `json:"topics"`
	Relevance float64  `json:"relevance"`
}

// Analyze implements jobs.Analyzer.
func (c *Client) Analyze(ctx context.Context, date time.Time, contents []models.ProcessedContent) (*jobs.AnalysisResult, error) {
	req := analyzeRequest{
		Date:     date.Format("2006-01-02"),
		Contents: make([]analyzeContent, 0, len(contents)),
	}
	for _, ct := range contents {
		req.Contents = append(req.Contents, analyzeContent{
			Summary:   ct.Summary,
			Sentiment: ct.Sentiment,
			Topics:    ct.Topics,
			Relevance: ct.Relevance,
		})
	}
	var out jobs.AnalysisResult
	if err := c.post(ctx, "/v1/analyze", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type predictRequest struct {
	AnalysisID string   `json:"analysis_id"`
	Date       string   `json:"date"`
	Sentiment  string   `json:"sentiment"`
	Summary    string   `json:"summary"`
	Themes     []string `json:"themes"`
	Confidence float64  `json:"confidence"`
}

type predictResponse struct {
	Predictions []jobs.PredictionResult `json:"predictions"`
}

// Predict implements jobs.Predictor.
func (c *Client) Predict(ctx context.Context, analysis *models.DailyAnalysis) ([]jobs.PredictionResult, error) {
	var out predictResponse
	if err := c.post(ctx, "/v1/predict", predictRequest{
		AnalysisID: analysis.ID.String(),
		Date:       analysis.Date.Format("2006-01-02"),
		Sentiment:  analysis.Sentiment,
		Summary:    analysis.Summary,
		Themes:     analysis.Themes,
		Confidence: analysis.Confidence,
	}, &out); err != nil {
		return nil, err
	}
	return out.Predictions, nil
}

type transcribeRequest struct {
	AudioURL string `json:"audio_url"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe implements jobs.Transcriber.
func (c *Client) Transcribe(ctx context.Context, audioURL string) (string, error) {
	var out transcribeResponse
	if err := c.post(ctx, "/v1/transcribe", transcribeRequest{AudioURL: audioURL}, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// post sends one JSON request through the breaker and classifies the
// outcome: 4xx is permanent (the request will not get better), 5xx and
// transport failures stay transient so the queue retries them. A 4xx
// does not count against the breaker; the sidecar answered fine.
func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return jobs.Permanentf("encode %s request: %v", path, err)
	}

	var permErr error
	err = c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			permErr = jobs.Permanentf("build %s request: %v", path, err)
			return nil
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("ai sidecar %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("ai sidecar %s failed: %s: %s", path, resp.Status, readDetail(resp.Body))
		}
		if resp.StatusCode >= 400 {
			permErr = jobs.Permanentf("ai sidecar %s rejected request: %s: %s", path, resp.Status, readDetail(resp.Body))
			return nil
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("ai sidecar unavailable: %w", err)
		}
		return err
	}
	return permErr
}

func readDetail(r io.Reader) string {
	detail, _ := io.ReadAll(io.LimitReader(r, errorBodyLimit))
	return string(bytes.TrimSpace(detail))
}
