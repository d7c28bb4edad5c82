package jobs

import (
	"time"

	"marketpulse/pkg/models"
)

// Spec is the static contract of a job type: queue defaults plus the
// execution envelope the pool enforces. Timeout zero means "use the
// configured default"; CacheTTL zero means the handler memoizes nothing.
type Spec struct {
	Type            models.JobType
	DefaultPriority int
	MaxAttempts     int
	Timeout         time.Duration
	MaxConcurrency  int
	CacheTTL        time.Duration
}

// TimeoutOrDefault resolves the execution deadline.
func (s Spec) TimeoutOrDefault(def time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return def
}

// specOrder keeps listings deterministic.
var specOrder = []models.JobType{
	models.JobTypeFeedFetch,
	models.JobTypeContentProcess,
	models.JobTypeDailyAnalysis,
	models.JobTypeGeneratePredictions,
	models.JobTypePodcastTranscription,
	models.JobTypePredictionCompare,
	models.JobTypeCleanup,
}

// specs is the closed set of job types. Ingestion and analysis outrank
// everything so fresh data keeps flowing; cleanup yields to all.
var specs = map[models.JobType]Spec{
	models.JobTypeFeedFetch: {
		Type:            models.JobTypeFeedFetch,
		DefaultPriority: 1,
		MaxAttempts:     5,
		Timeout:         120 * time.Second,
		MaxConcurrency:  2,
	},
	models.JobTypeContentProcess: {
		Type:            models.JobTypeContentProcess,
		DefaultPriority: 2,
		MaxAttempts:     3,
		Timeout:         120 * time.Second,
		MaxConcurrency:  2,
	},
	models.JobTypeDailyAnalysis: {
		Type:            models.JobTypeDailyAnalysis,
		DefaultPriority: 1,
		MaxAttempts:     3,
		Timeout:         600 * time.Second,
		MaxConcurrency:  1,
		CacheTTL:        24 * time.Hour,
	},
	models.JobTypeGeneratePredictions: {
		Type:            models.JobTypeGeneratePredictions,
		DefaultPriority: 3,
		MaxAttempts:     3,
		MaxConcurrency:  1,
	},
	models.JobTypePodcastTranscription: {
		Type:            models.JobTypePodcastTranscription,
		DefaultPriority: 4,
		MaxAttempts:     4,
		Timeout:         900 * time.Second,
		MaxConcurrency:  1,
		CacheTTL:        7 * 24 * time.Hour,
	},
	models.JobTypePredictionCompare: {
		Type:            models.JobTypePredictionCompare,
		DefaultPriority: 5,
		MaxAttempts:     3,
		Timeout:         120 * time.Second,
		MaxConcurrency:  1,
	},
	models.JobTypeCleanup: {
		Type:            models.JobTypeCleanup,
		DefaultPriority: 10,
		MaxAttempts:     3,
		MaxConcurrency:  1,
	},
}

// SpecFor returns the contract for a type.
func SpecFor(t models.JobType) (Spec, bool) {
	s, ok := specs[t]
	return s, ok
}

// AllSpecs returns every contract in a stable order.
func AllSpecs() []Spec {
	out := make([]Spec, 0, len(specOrder))
	for _, t := range specOrder {
		out = append(out, specs[t])
	}
	return out
}
