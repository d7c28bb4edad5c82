package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketpulse/pkg/models"
)

// Payload schemas, one per job type. The pool enforces the validator
// tags before a handler runs; a payload that fails them is a permanent
// failure no matter how many attempts remain.

type FeedFetchPayload struct {
	SourceID uuid.UUID `json:"source_id" validate:"required"`
}

type ContentProcessPayload struct {
	RawFeedID uuid.UUID `json:"raw_feed_id" validate:"required"`
}

type PodcastTranscriptionPayload struct {
	RawFeedID uuid.UUID `json:"raw_feed_id" validate:"required"`
	AudioURL  string    `json:"audio_url" validate:"required,url"`
}

type DailyAnalysisPayload struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
	// Force recomputes even when a cached result exists. The analysis row
	// for the date is overwritten in place either way.
	Force bool `json:"force,omitempty"`
}

type GeneratePredictionsPayload struct {
	AnalysisID uuid.UUID `json:"analysis_id" validate:"required"`
}

type PredictionComparePayload struct {
	Horizon models.PredictionHorizon `json:"horizon" validate:"required,oneof=1d 1w 1m"`
}

type CleanupPayload struct{}

// Dedup keys. One open job per logical unit of work; terminal rows free
// the key so the same work can be scheduled again later.

func FetchDedupKey(sourceID uuid.UUID) string { return "fetch:" + sourceID.String() }

func ProcessDedupKey(rawItemID uuid.UUID) string { return rawItemID.String() }

func TranscribeDedupKey(rawItemID uuid.UUID) string { return "transcribe:" + rawItemID.String() }

func AnalysisDedupKey(date string) string { return "analysis:" + date }

// ForcedAnalysisDedupKey never collides with the regular daily key, so a
// forced recompute can run while the day's normal job is still open.
func ForcedAnalysisDedupKey(date string, now time.Time) string {
	return fmt.Sprintf("analysis:%s:forced:%d", date, now.Unix())
}

func PredictDedupKey(analysisID uuid.UUID) string { return "predict:" + analysisID.String() }

// CompareDedupKey buckets by UTC hour: one compare sweep per horizon per
// producer window.
func CompareDedupKey(horizon models.PredictionHorizon, at time.Time) string {
	return fmt.Sprintf("compare:%s:%s", horizon, at.UTC().Format("2006-01-02-15"))
}

func CleanupDedupKey(at time.Time) string {
	return "cleanup:" + at.UTC().Format("2006-01-02-15")
}
