package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketpulse/pkg/metrics"
	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

// HandleFeedFetch pulls a source's current items, persists the new ones
// and fans out the next pipeline stage. Retries are safe end to end:
// items upsert by (source_id, external_id) and the fan-out walks
// everything still unprocessed under per-item dedup keys, so a fetch
// that died halfway heals itself on the next attempt.
func (p *Pipeline) HandleFeedFetch(ctx context.Context, job *models.Job) error {
	var payload FeedFetchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return Permanentf("decode feed_fetch payload: %v", err)
	}

	source, err := p.content.GetSource(ctx, payload.SourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return Permanentf("feed source %s does not exist", payload.SourceID)
	}
	if err != nil {
		return fmt.Errorf("load feed source: %w", err)
	}
	if !source.Active {
		return Permanentf("feed source %s (%s) is inactive", source.ID, source.Name)
	}

	adapter, err := p.adapters.ForKind(source.Kind)
	if err != nil {
		return Permanent(err)
	}

	items, err := adapter.Fetch(ctx, source)
	if err != nil {
		return fmt.Errorf("fetch %s (%s): %w", source.Name, source.Kind, err)
	}

	rows := make([]models.RawFeedItem, 0, len(items))
	for _, item := range items {
		rows = append(rows, models.RawFeedItem{
			SourceID:         source.ID,
			ExternalID:       item.ExternalID,
			Title:            item.Title,
			Body:             item.Body,
			AudioURL:         item.AudioURL,
			PublishedAt:      item.PublishedAt,
			ProcessingStatus: models.ProcessingPending,
		})
	}
	inserted, err := p.content.UpsertRawItems(ctx, rows)
	if err != nil {
		return fmt.Errorf("persist raw items: %w", err)
	}

	pending, err := p.content.ListUnprocessedItems(ctx, source.ID)
	if err != nil {
		return fmt.Errorf("list unprocessed items: %w", err)
	}
	for i := range pending {
		if err := p.fanOutItem(ctx, &pending[i]); err != nil {
			return err
		}
	}

	if err := p.content.TouchSource(ctx, source.ID); err != nil {
		return fmt.Errorf("touch source: %w", err)
	}

	p.log.Info("feed fetched",
		zap.String("source", source.Name),
		zap.String("kind", string(source.Kind)),
		zap.Int("items", len(items)),
		zap.Int("new", len(inserted)),
		zap.Int("fanned_out", len(pending)))
	return nil
}

// fanOutItem enqueues the next stage for one raw item: transcription
// when there is audio and no transcript yet, processing otherwise.
func (p *Pipeline) fanOutItem(ctx context.Context, item *models.RawFeedItem) error {
	if item.AudioURL != "" && item.Transcript == "" && item.TranscriptRef == "" {
		return p.enqueue(ctx, models.JobTypePodcastTranscription,
			PodcastTranscriptionPayload{RawFeedID: item.ID, AudioURL: item.AudioURL},
			0, TranscribeDedupKey(item.ID))
	}
	return p.enqueue(ctx, models.JobTypeContentProcess,
		ContentProcessPayload{RawFeedID: item.ID},
		0, ProcessDedupKey(item.ID))
}

// HandleContentProcess runs the processor over one raw item and persists
// the structured result. Reprocessing overwrites by raw item id, so a
// retry after a partial run converges on the same row.
func (p *Pipeline) HandleContentProcess(ctx context.Context, job *models.Job) error {
	var payload ContentProcessPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return Permanentf("decode content_process payload: %v", err)
	}

	item, err := p.content.GetRawItem(ctx, payload.RawFeedID)
	if errors.Is(err, storage.ErrNotFound) {
		return Permanentf("raw feed item %s does not exist", payload.RawFeedID)
	}
	if err != nil {
		return fmt.Errorf("load raw item: %w", err)
	}
	if item.ProcessingStatus == models.ProcessingCompleted {
		p.log.Debug("raw item already processed", zap.String("raw_item", item.ID.String()))
		return nil
	}

	// Long transcripts live in the blob store; the processor needs the
	// text inline.
	if item.Transcript == "" && item.TranscriptRef != "" {
		transcript, err := p.transcripts.Fetch(ctx, item.TranscriptRef)
		if err != nil {
			return fmt.Errorf("fetch transcript %s: %w", item.TranscriptRef, err)
		}
		item.Transcript = transcript
	}

	result, err := p.processor.Process(ctx, item)
	if err != nil {
		return fmt.Errorf("process raw item %s: %w", item.ID, err)
	}

	content := &models.ProcessedContent{
		RawItemID:   item.ID,
		SourceID:    item.SourceID,
		Title:       item.Title,
		Summary:     result.Summary,
		Sentiment:   result.Sentiment,
		Entities:    models.StringList(result.Entities),
		Topics:      models.StringList(result.Topics),
		Relevance:   result.Relevance,
		ContentDate: contentDate(item),
		PublishedAt: item.PublishedAt,
	}
	if err := p.content.SaveProcessedContent(ctx, content); err != nil {
		return fmt.Errorf("save processed content: %w", err)
	}
	if err := p.content.SetRawItemStatus(ctx, item.ID, models.ProcessingCompleted); err != nil {
		return fmt.Errorf("mark raw item completed: %w", err)
	}
	return nil
}

// contentDate attributes an item to the UTC day it was published, or the
// day it was ingested when the feed carries no timestamp.
func contentDate(item *models.RawFeedItem) time.Time {
	at := item.CreatedAt
	if item.PublishedAt != nil {
		at = *item.PublishedAt
	}
	y, m, d := at.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// HandlePodcastTranscription turns an episode's audio into text and
// hands the item to content processing. The transcriber call is
// memoized by audio URL, so a retried job or a re-shared episode never
// pays for the same audio twice within the TTL.
func (p *Pipeline) HandlePodcastTranscription(ctx context.Context, job *models.Job) error {
	var payload PodcastTranscriptionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return Permanentf("decode podcast_transcription payload: %v", err)
	}

	item, err := p.content.GetRawItem(ctx, payload.RawFeedID)
	if errors.Is(err, storage.ErrNotFound) {
		return Permanentf("raw feed item %s does not exist", payload.RawFeedID)
	}
	if err != nil {
		return fmt.Errorf("load raw item: %w", err)
	}

	// A retry after the transcript already landed only needs to re-emit
	// the processing job.
	if item.Transcript != "" || item.TranscriptRef != "" {
		return p.enqueue(ctx, models.JobTypeContentProcess,
			ContentProcessPayload{RawFeedID: item.ID}, 0, ProcessDedupKey(item.ID))
	}

	if err := p.content.SetRawItemStatus(ctx, item.ID, models.ProcessingTranscribing); err != nil {
		return fmt.Errorf("mark raw item transcribing: %w", err)
	}

	spec, _ := SpecFor(models.JobTypePodcastTranscription)
	transcript, err := p.memoizedTranscribe(ctx, payload.AudioURL, spec.CacheTTL)
	if err != nil {
		return err
	}

	ref, err := p.transcripts.Put(ctx, item.ID, transcript)
	if err != nil {
		return fmt.Errorf("store transcript blob: %w", err)
	}
	inline := transcript
	if ref != "" {
		inline = "" // the blob store owns the text
	}
	if err := p.content.SetRawItemTranscript(ctx, item.ID, inline, ref); err != nil {
		return fmt.Errorf("record transcript: %w", err)
	}
	// Back to pending: if the enqueue below is lost, the next fetch's
	// fan-out picks the item up again.
	if err := p.content.SetRawItemStatus(ctx, item.ID, models.ProcessingPending); err != nil {
		return fmt.Errorf("requeue raw item: %w", err)
	}

	return p.enqueue(ctx, models.JobTypeContentProcess,
		ContentProcessPayload{RawFeedID: item.ID}, 0, ProcessDedupKey(item.ID))
}

// memoizedTranscribe reads through the content-addressed cache around
// the transcriber call. Cache trouble is never fatal; worst case the
// audio is transcribed again.
func (p *Pipeline) memoizedTranscribe(ctx context.Context, audioURL string, ttl time.Duration) (string, error) {
	key, err := Fingerprint(models.JobTypePodcastTranscription, map[string]string{"audio_url": audioURL})
	if err != nil {
		return "", Permanent(err)
	}

	if raw, err := p.cache.Get(ctx, key); err == nil {
		var transcript string
		if err := json.Unmarshal(raw, &transcript); err == nil {
			metrics.CacheHits.WithLabelValues(string(models.JobTypePodcastTranscription)).Inc()
			return transcript, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		p.log.Warn("transcript cache read failed", zap.Error(err))
	}
	metrics.CacheMisses.WithLabelValues(string(models.JobTypePodcastTranscription)).Inc()

	transcript, err := p.transcriber.Transcribe(ctx, audioURL)
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", audioURL, err)
	}

	if raw, err := json.Marshal(transcript); err == nil {
		if err := p.cache.Set(ctx, key, raw, ttl); err != nil {
			p.log.Warn("transcript cache write failed", zap.Error(err))
		}
	}
	return transcript, nil
}
