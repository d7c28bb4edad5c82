package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FeedSourceKind selects the adapter used to fetch a source.
type FeedSourceKind string

const (
	FeedKindRSS     FeedSourceKind = "rss"
	FeedKindPodcast FeedSourceKind = "podcast"
	FeedKindAPI     FeedSourceKind = "api"
	FeedKindYouTube FeedSourceKind = "youtube"
	FeedKindReddit  FeedSourceKind = "reddit"
)

// StringList is a JSON string array stored in a jsonb column.
type StringList []string

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(l)
}

// FeedSource is a configured upstream feed the pipeline ingests.
type FeedSource struct {
	ID               uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Name             string         `json:"name" gorm:"not null"`
	Kind             FeedSourceKind `json:"kind" gorm:"type:varchar(20);not null"`
	Endpoint         string         `json:"endpoint" gorm:"not null"`
	Config           Payload        `json:"config" gorm:"type:jsonb"`
	Active           bool           `json:"active" gorm:"not null;default:true;index"`
	FetchIntervalSec int            `json:"fetch_interval_sec" gorm:"not null;default:900"`
	LastProcessedAt  *time.Time     `json:"last_processed_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (s *FeedSource) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return
}

// ProcessingStatus tracks a raw item through the pipeline.
type ProcessingStatus string

const (
	ProcessingPending      ProcessingStatus = "pending"
	ProcessingTranscribing ProcessingStatus = "transcribing"
	ProcessingCompleted    ProcessingStatus = "completed"
	ProcessingFailed       ProcessingStatus = "failed"
)

// RawFeedItem is one item as delivered by a feed adapter, before
// processing. (SourceID, ExternalID) identifies it across refetches.
type RawFeedItem struct {
	ID               uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	SourceID         uuid.UUID        `json:"source_id" gorm:"type:uuid;not null;index:idx_raw_source_external,unique,priority:1"`
	ExternalID       string           `json:"external_id" gorm:"type:varchar(512);not null;index:idx_raw_source_external,unique,priority:2"`
	Title            string           `json:"title"`
	Body             string           `json:"body" gorm:"type:text"`
	AudioURL         string           `json:"audio_url"`
	Transcript       string           `json:"transcript" gorm:"type:text"`
	TranscriptRef    string           `json:"transcript_ref"`
	PublishedAt      *time.Time       `json:"published_at"`
	ProcessingStatus ProcessingStatus `json:"processing_status" gorm:"type:varchar(20);not null;default:'pending';index"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (i *RawFeedItem) BeforeCreate(tx *gorm.DB) (err error) {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return
}

// ProcessedContent is the structured form of a raw item, one per item.
type ProcessedContent struct {
	ID          uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	RawItemID   uuid.UUID  `json:"raw_item_id" gorm:"type:uuid;not null;uniqueIndex"`
	SourceID    uuid.UUID  `json:"source_id" gorm:"type:uuid;not null;index"`
	Title       string     `json:"title"`
	Summary     string     `json:"summary" gorm:"type:text"`
	Sentiment   string     `json:"sentiment" gorm:"type:varchar(20)"`
	Entities    StringList `json:"entities" gorm:"type:jsonb"`
	Topics      StringList `json:"topics" gorm:"type:jsonb"`
	Relevance   float64    `json:"relevance"`
	ContentDate time.Time  `json:"content_date" gorm:"type:date;not null;index"`
	PublishedAt *time.Time `json:"published_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (c *ProcessedContent) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return
}

// DailyAnalysis is the market summary for one UTC day, one row per date.
type DailyAnalysis struct {
	ID           uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Date         time.Time  `json:"date" gorm:"type:date;not null;uniqueIndex"`
	Sentiment    string     `json:"sentiment" gorm:"type:varchar(20)"`
	Summary      string     `json:"summary" gorm:"type:text"`
	Themes       StringList `json:"themes" gorm:"type:jsonb"`
	Confidence   float64    `json:"confidence"`
	ContentCount int        `json:"content_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (a *DailyAnalysis) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return
}

// PredictionHorizon is how far ahead a prediction looks.
type PredictionHorizon string

const (
	HorizonDay   PredictionHorizon = "1d"
	HorizonWeek  PredictionHorizon = "1w"
	HorizonMonth PredictionHorizon = "1m"
)

// Horizons lists the supported horizons in maturing order.
var Horizons = []PredictionHorizon{HorizonDay, HorizonWeek, HorizonMonth}

// Duration returns the wall-clock span of the horizon.
func (h PredictionHorizon) Duration() time.Duration {
	switch h {
	case HorizonDay:
		return 24 * time.Hour
	case HorizonWeek:
		return 7 * 24 * time.Hour
	case HorizonMonth:
		return 30 * 24 * time.Hour
	}
	return 0
}

// PredictionOutcome is the realized result recorded when a prediction
// matures. Stored as jsonb on the prediction row.
type PredictionOutcome struct {
	RealizedSentiment string  `json:"realized_sentiment"`
	Matched           bool    `json:"matched"`
	Score             float64 `json:"score"`
}

// Prediction is one forward-looking statement derived from a daily
// analysis. (AnalysisID, Type, Horizon) is unique so regeneration upserts.
type Prediction struct {
	ID          uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	AnalysisID  uuid.UUID         `json:"analysis_id" gorm:"type:uuid;not null;index:idx_pred_upsert,unique,priority:1"`
	Type        string            `json:"type" gorm:"type:varchar(40);not null;index:idx_pred_upsert,unique,priority:2"`
	Horizon     PredictionHorizon `json:"horizon" gorm:"type:varchar(4);not null;index:idx_pred_upsert,unique,priority:3"`
	Text        string            `json:"text" gorm:"type:text"`
	Confidence  float64           `json:"confidence"`
	Data        Payload           `json:"data" gorm:"type:jsonb"`
	MaturesAt   time.Time         `json:"matures_at" gorm:"not null;index"`
	Outcome     Payload           `json:"outcome" gorm:"type:jsonb"`
	EvaluatedAt *time.Time        `json:"evaluated_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (p *Prediction) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return
}
