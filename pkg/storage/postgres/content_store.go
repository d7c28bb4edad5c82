package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

// Handler-owned domain tables. The queue core only ever sees identifiers
// and processing-status transitions from here.

// GetSource retrieves a feed source by ID.
func (s *PostgresStore) GetSource(ctx context.Context, id uuid.UUID) (*models.FeedSource, error) {
	var source models.FeedSource
	result := s.db.WithContext(ctx).First(&source, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &source, nil
}

// ListDueSources returns active sources whose refresh cadence has lapsed.
func (s *PostgresStore) ListDueSources(ctx context.Context) ([]models.FeedSource, error) {
	var sources []models.FeedSource
	result := s.db.WithContext(ctx).
		Where("active = ?", true).
		Where("last_processed_at IS NULL OR last_processed_at <= NOW() - make_interval(secs => fetch_interval_sec)").
		Order("last_processed_at asc nulls first").
		Find(&sources)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list due sources: %w", result.Error)
	}
	return sources, nil
}

// TouchSource records a completed fetch pass.
func (s *PostgresStore) TouchSource(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Model(&models.FeedSource{}).
		Where("id = ?", id).
		Update("last_processed_at", gorm.Expr("NOW()"))
	if result.Error != nil {
		return fmt.Errorf("failed to touch source: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetRawItem retrieves a raw feed item by ID.
func (s *PostgresStore) GetRawItem(ctx context.Context, id uuid.UUID) (*models.RawFeedItem, error) {
	var item models.RawFeedItem
	result := s.db.WithContext(ctx).First(&item, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &item, nil
}

// UpsertRawItems inserts the items that are new by (source_id,
// external_id) and returns only those, so the caller can fan out
// downstream jobs for genuinely new content.
func (s *PostgresStore) UpsertRawItems(ctx context.Context, items []models.RawFeedItem) ([]models.RawFeedItem, error) {
	inserted := make([]models.RawFeedItem, 0, len(items))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range items {
			item := items[i]
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "source_id"}, {Name: "external_id"}},
				DoNothing: true,
			}).Create(&item)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				inserted = append(inserted, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert raw items: %w", err)
	}
	return inserted, nil
}

// ListUnprocessedItems returns a source's items still awaiting
// processing, oldest first, so a retried fetch can heal a fan-out that
// was interrupted before every item got its job.
func (s *PostgresStore) ListUnprocessedItems(ctx context.Context, sourceID uuid.UUID) ([]models.RawFeedItem, error) {
	var items []models.RawFeedItem
	result := s.db.WithContext(ctx).
		Where("source_id = ? AND processing_status = ?", sourceID, models.ProcessingPending).
		Order("created_at asc").
		Find(&items)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list unprocessed items: %w", result.Error)
	}
	return items, nil
}

// SetRawItemStatus moves a raw item through the pipeline.
func (s *PostgresStore) SetRawItemStatus(ctx context.Context, id uuid.UUID, status models.ProcessingStatus) error {
	result := s.db.WithContext(ctx).
		Model(&models.RawFeedItem{}).
		Where("id = ?", id).
		Update("processing_status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to set raw item status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetRawItemTranscript stores transcript text and/or its blob reference.
func (s *PostgresStore) SetRawItemTranscript(ctx context.Context, id uuid.UUID, transcript, ref string) error {
	result := s.db.WithContext(ctx).
		Model(&models.RawFeedItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"transcript":     transcript,
			"transcript_ref": ref,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set transcript: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveProcessedContent upserts by raw item so reprocessing overwrites.
func (s *PostgresStore) SaveProcessedContent(ctx context.Context, content *models.ProcessedContent) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "raw_item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "summary", "sentiment", "entities", "topics",
			"relevance", "content_date", "published_at",
		}),
	}).Create(content)
	if result.Error != nil {
		return fmt.Errorf("failed to save processed content: %w", result.Error)
	}
	return nil
}

// ListProcessedByDate returns processed content attributed to one UTC day.
func (s *PostgresStore) ListProcessedByDate(ctx context.Context, date time.Time) ([]models.ProcessedContent, error) {
	var contents []models.ProcessedContent
	result := s.db.WithContext(ctx).
		Where("content_date = ?", date.UTC().Format("2006-01-02")).
		Order("relevance desc").
		Find(&contents)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list processed content: %w", result.Error)
	}
	return contents, nil
}

// GetAnalysis retrieves a daily analysis by ID.
func (s *PostgresStore) GetAnalysis(ctx context.Context, id uuid.UUID) (*models.DailyAnalysis, error) {
	var analysis models.DailyAnalysis
	result := s.db.WithContext(ctx).First(&analysis, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &analysis, nil
}

// GetAnalysisByDate retrieves the analysis for one UTC day.
func (s *PostgresStore) GetAnalysisByDate(ctx context.Context, date time.Time) (*models.DailyAnalysis, error) {
	var analysis models.DailyAnalysis
	result := s.db.WithContext(ctx).
		Where("date = ?", date.UTC().Format("2006-01-02")).
		First(&analysis)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &analysis, nil
}

// UpsertAnalysis writes the analysis for its date, overwriting a previous
// run. The row id is stable across overwrites so predictions keep their
// foreign key.
func (s *PostgresStore) UpsertAnalysis(ctx context.Context, analysis *models.DailyAnalysis) error {
	existing, err := s.GetAnalysisByDate(ctx, analysis.Date)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if existing != nil {
		analysis.ID = existing.ID
		result := s.db.WithContext(ctx).
			Model(&models.DailyAnalysis{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"sentiment":     analysis.Sentiment,
				"summary":       analysis.Summary,
				"themes":        analysis.Themes,
				"confidence":    analysis.Confidence,
				"content_count": analysis.ContentCount,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update analysis: %w", result.Error)
		}
		return nil
	}
	if err := s.db.WithContext(ctx).Create(analysis).Error; err != nil {
		return fmt.Errorf("failed to create analysis: %w", err)
	}
	return nil
}

// UpsertPredictions writes predictions idempotently by (analysis, type,
// horizon), so a retried generation overwrites instead of duplicating.
func (s *PostgresStore) UpsertPredictions(ctx context.Context, predictions []models.Prediction) error {
	if len(predictions) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range predictions {
			result := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "analysis_id"}, {Name: "type"}, {Name: "horizon"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"text", "confidence", "data", "matures_at", "updated_at",
				}),
			}).Create(&predictions[i])
			if result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert predictions: %w", err)
	}
	return nil
}

// ListMaturedPredictions returns unevaluated predictions of one horizon
// whose maturity has passed.
func (s *PostgresStore) ListMaturedPredictions(ctx context.Context, horizon models.PredictionHorizon, asOf time.Time) ([]models.Prediction, error) {
	var predictions []models.Prediction
	result := s.db.WithContext(ctx).
		Where("horizon = ? AND matures_at <= ? AND evaluated_at IS NULL", horizon, asOf).
		Order("matures_at asc").
		Find(&predictions)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list matured predictions: %w", result.Error)
	}
	return predictions, nil
}

// RecordPredictionOutcome stores the realized result and marks the
// prediction evaluated.
func (s *PostgresStore) RecordPredictionOutcome(ctx context.Context, id uuid.UUID, outcome models.Payload) error {
	result := s.db.WithContext(ctx).
		Model(&models.Prediction{}).
		Where("id = ? AND evaluated_at IS NULL", id).
		Updates(map[string]interface{}{
			"outcome":      outcome,
			"evaluated_at": gorm.Expr("NOW()"),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record prediction outcome: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
