// Package jobs defines the closed set of pipeline job types, their
// payload schemas and handlers, and the collaborator interfaces the
// handlers drive. The queue engine stores and schedules; everything the
// jobs actually do lives here.
package jobs

import (
	"context"
	"time"

	"marketpulse/pkg/models"
)

// FeedItem is one item as delivered by a feed adapter, before it is
// persisted as a raw row.
type FeedItem struct {
	ExternalID  string
	Title       string
	Body        string
	AudioURL    string
	PublishedAt *time.Time
}

// FeedAdapter fetches the current items of one source. Implementations
// are registered per source kind; the built-in ones live in pkg/feeds.
type FeedAdapter interface {
	Fetch(ctx context.Context, source *models.FeedSource) ([]FeedItem, error)
}

// AdapterRegistry resolves the adapter for a source kind.
type AdapterRegistry interface {
	ForKind(kind models.FeedSourceKind) (FeedAdapter, error)
}

// ProcessedResult is the structured output of processing one raw item.
type ProcessedResult struct {
	Summary   string   `json:"summary"`
	Sentiment string   `json:"sentiment"`
	Entities  []string `json:"entities"`
	Topics    []string `json:"topics"`
	Relevance float64  `json:"relevance"`
}

// Processor turns a raw feed item into structured content.
type Processor interface {
	Process(ctx context.Context, item *models.RawFeedItem) (*ProcessedResult, error)
}

// AnalysisResult is the aggregate market picture for one UTC day.
type AnalysisResult struct {
	Sentiment  string   `json:"sentiment"`
	Summary    string   `json:"summary"`
	Themes     []string `json:"themes"`
	Confidence float64  `json:"confidence"`
}

// Analyzer condenses a day's processed content into one analysis.
type Analyzer interface {
	Analyze(ctx context.Context, date time.Time, contents []models.ProcessedContent) (*AnalysisResult, error)
}

// PredictionResult is one forward-looking statement derived from an
// analysis. ExpectedSentiment is what the comparison job later grades
// against the realized day.
type PredictionResult struct {
	Type              string                   `json:"type"`
	Horizon           models.PredictionHorizon `json:"horizon"`
	Text              string                   `json:"text"`
	Confidence        float64                  `json:"confidence"`
	ExpectedSentiment string                   `json:"expected_sentiment"`
	Data              map[string]interface{}   `json:"data,omitempty"`
}

// Predictor derives predictions from a daily analysis.
type Predictor interface {
	Predict(ctx context.Context, analysis *models.DailyAnalysis) ([]PredictionResult, error)
}

// Transcriber converts podcast audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (string, error)
}
