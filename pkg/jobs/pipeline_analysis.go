package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"marketpulse/pkg/metrics"
	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

// predictionsDelay gives late content processing a window to finish
// before predictions are derived from the day's analysis.
const predictionsDelay = 5 * time.Minute

// HandleDailyAnalysis condenses one UTC day's processed content into a
// market summary and chains prediction generation. A day with no
// content completes without producing a row. Force bypasses the cache
// read but still writes through, and the date's row is overwritten in
// place either way.
func (p *Pipeline) HandleDailyAnalysis(ctx context.Context, job *models.Job) error {
	var payload DailyAnalysisPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return Permanentf("decode daily_analysis payload: %v", err)
	}
	date, err := time.ParseInLocation("2006-01-02", payload.Date, time.UTC)
	if err != nil {
		return Permanentf("daily_analysis date %q: %v", payload.Date, err)
	}

	contents, err := p.content.ListProcessedByDate(ctx, date)
	if err != nil {
		return fmt.Errorf("list processed content: %w", err)
	}
	if len(contents) == 0 {
		p.log.Info("no processed content for date, skipping analysis",
			zap.String("date", payload.Date))
		return nil
	}

	spec, _ := SpecFor(models.JobTypeDailyAnalysis)
	result, err := p.memoizedAnalyze(ctx, date, contents, spec.CacheTTL, payload.Force)
	if err != nil {
		return err
	}

	analysis := &models.DailyAnalysis{
		Date:         date,
		Sentiment:    result.Sentiment,
		Summary:      result.Summary,
		Themes:       models.StringList(result.Themes),
		Confidence:   result.Confidence,
		ContentCount: len(contents),
	}
	if err := p.content.UpsertAnalysis(ctx, analysis); err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}

	p.log.Info("daily analysis saved",
		zap.String("date", payload.Date),
		zap.String("sentiment", analysis.Sentiment),
		zap.Int("content_count", analysis.ContentCount),
		zap.Bool("forced", payload.Force))

	return p.enqueue(ctx, models.JobTypeGeneratePredictions,
		GeneratePredictionsPayload{AnalysisID: analysis.ID},
		predictionsDelay, PredictDedupKey(analysis.ID))
}

// memoizedAnalyze reads through the cache around the analyzer call,
// keyed by date. force skips the read, never the write-through.
func (p *Pipeline) memoizedAnalyze(ctx context.Context, date time.Time, contents []models.ProcessedContent, ttl time.Duration, force bool) (*AnalysisResult, error) {
	day := date.Format("2006-01-02")
	key, err := Fingerprint(models.JobTypeDailyAnalysis, map[string]string{"date": day})
	if err != nil {
		return nil, Permanent(err)
	}

	if !force {
		if raw, err := p.cache.Get(ctx, key); err == nil {
			var cached AnalysisResult
			if err := json.Unmarshal(raw, &cached); err == nil {
				metrics.CacheHits.WithLabelValues(string(models.JobTypeDailyAnalysis)).Inc()
				return &cached, nil
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			p.log.Warn("analysis cache read failed", zap.Error(err))
		}
	}
	metrics.CacheMisses.WithLabelValues(string(models.JobTypeDailyAnalysis)).Inc()

	result, err := p.analyzer.Analyze(ctx, date, contents)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", day, err)
	}

	if raw, err := json.Marshal(result); err == nil {
		if err := p.cache.Set(ctx, key, raw, ttl); err != nil {
			p.log.Warn("analysis cache write failed", zap.Error(err))
		}
	}
	return result, nil
}

// HandleGeneratePredictions derives forward-looking statements from an
// analysis. Rows upsert by (analysis, type, horizon), so regenerating
// after a force-recomputed analysis replaces rather than duplicates.
func (p *Pipeline) HandleGeneratePredictions(ctx context.Context, job *models.Job) error {
	var payload GeneratePredictionsPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return Permanentf("decode generate_predictions payload: %v", err)
	}

	analysis, err := p.content.GetAnalysis(ctx, payload.AnalysisID)
	if errors.Is(err, storage.ErrNotFound) {
		return Permanentf("analysis %s does not exist", payload.AnalysisID)
	}
	if err != nil {
		return fmt.Errorf("load analysis: %w", err)
	}

	results, err := p.predictor.Predict(ctx, analysis)
	if err != nil {
		return fmt.Errorf("predict from analysis %s: %w", analysis.ID, err)
	}
	if len(results) == 0 {
		p.log.Info("predictor returned nothing", zap.String("analysis", analysis.ID.String()))
		return nil
	}

	predictions := make([]models.Prediction, 0, len(results))
	for _, r := range results {
		if r.Horizon.Duration() == 0 {
			return Permanentf("predictor returned unknown horizon %q", r.Horizon)
		}
		data := r.Data
		if data == nil {
			data = map[string]interface{}{}
		}
		if r.ExpectedSentiment != "" {
			data["expected_sentiment"] = r.ExpectedSentiment
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return Permanentf("prediction data not serializable: %v", err)
		}
		predictions = append(predictions, models.Prediction{
			AnalysisID: analysis.ID,
			Type:       r.Type,
			Horizon:    r.Horizon,
			Text:       r.Text,
			Confidence: r.Confidence,
			Data:       raw,
			MaturesAt:  analysis.Date.Add(r.Horizon.Duration()),
		})
	}
	if err := p.content.UpsertPredictions(ctx, predictions); err != nil {
		return fmt.Errorf("save predictions: %w", err)
	}

	p.log.Info("predictions generated",
		zap.String("analysis", analysis.ID.String()),
		zap.Int("count", len(predictions)))
	return nil
}

// HandlePredictionCompare grades matured predictions of one horizon
// against the realized day's sentiment. A maturity day with no analysis
// yet is left unevaluated for a later sweep.
func (p *Pipeline) HandlePredictionCompare(ctx context.Context, job *models.Job) error {
	var payload PredictionComparePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return Permanentf("decode prediction_compare payload: %v", err)
	}

	matured, err := p.content.ListMaturedPredictions(ctx, payload.Horizon, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("list matured predictions: %w", err)
	}

	evaluated := 0
	for i := range matured {
		pred := &matured[i]
		realized, err := p.content.GetAnalysisByDate(ctx, pred.MaturesAt)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load realized analysis: %w", err)
		}

		raw, err := json.Marshal(scoreOutcome(pred, realized))
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		if err := p.content.RecordPredictionOutcome(ctx, pred.ID, raw); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // another sweep got there first
			}
			return fmt.Errorf("record outcome: %w", err)
		}
		evaluated++
	}

	p.log.Info("predictions compared",
		zap.String("horizon", string(payload.Horizon)),
		zap.Int("matured", len(matured)),
		zap.Int("evaluated", evaluated))
	return nil
}

// scoreOutcome grades one prediction against the day it matured into:
// full confidence as score on a sentiment match, zero otherwise.
func scoreOutcome(pred *models.Prediction, realized *models.DailyAnalysis) models.PredictionOutcome {
	var data struct {
		ExpectedSentiment string `json:"expected_sentiment"`
	}
	_ = json.Unmarshal(pred.Data, &data)

	matched := data.ExpectedSentiment != "" &&
		strings.EqualFold(data.ExpectedSentiment, realized.Sentiment)
	score := 0.0
	if matched {
		score = pred.Confidence
	}
	return models.PredictionOutcome{
		RealizedSentiment: realized.Sentiment,
		Matched:           matched,
		Score:             score,
	}
}
