package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketpulse/pkg/models"
	"marketpulse/pkg/storage"
)

// memQueue records what the handlers push back into the queue engine.
type memQueue struct {
	enqueued     []storage.EnqueueRequest
	pruneWindows []time.Duration
	recovered    []janitorRecovery
}

type janitorRecovery struct {
	window time.Duration
	live   []string
	types  []models.JobType
}

func (q *memQueue) Enqueue(ctx context.Context, req storage.EnqueueRequest) (*storage.EnqueueResult, error) {
	q.enqueued = append(q.enqueued, req)
	return &storage.EnqueueResult{
		Job: &models.Job{ID: uuid.New(), Type: req.Type, Payload: req.Payload},
	}, nil
}

func (q *memQueue) PruneTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	q.pruneWindows = append(q.pruneWindows, retention)
	return 3, nil
}

func (q *memQueue) RecoverStuck(ctx context.Context, olderThan time.Duration, liveWorkers []string, types ...models.JobType) (int64, error) {
	q.recovered = append(q.recovered, janitorRecovery{window: olderThan, live: liveWorkers, types: types})
	return 1, nil
}

func (q *memQueue) byType(t models.JobType) []storage.EnqueueRequest {
	var out []storage.EnqueueRequest
	for _, req := range q.enqueued {
		if req.Type == t {
			out = append(out, req)
		}
	}
	return out
}

// The handlers never touch the rest of the queue surface.
func (q *memQueue) Dequeue(context.Context, string, []models.JobType) (*models.Job, error) {
	return nil, nil
}
func (q *memQueue) Complete(context.Context, uuid.UUID, string) error               { return nil }
func (q *memQueue) Fail(context.Context, uuid.UUID, string, string, bool) error     { return nil }
func (q *memQueue) FailAbandoned(context.Context, uuid.UUID, string) error          { return nil }
func (q *memQueue) Release(context.Context, uuid.UUID, string, time.Duration) error { return nil }
func (q *memQueue) Reset(context.Context, uuid.UUID) error                          { return nil }
func (q *memQueue) Retry(context.Context, uuid.UUID) error                          { return nil }
func (q *memQueue) Cancel(context.Context, uuid.UUID) error                         { return nil }
func (q *memQueue) Delete(context.Context, uuid.UUID) error                         { return nil }
func (q *memQueue) Clear(context.Context, models.JobStatus) (int64, error)          { return 0, nil }
func (q *memQueue) Get(context.Context, uuid.UUID) (*models.Job, error) {
	return nil, storage.ErrNotFound
}
func (q *memQueue) List(context.Context, storage.JobFilter) ([]models.Job, int64, error) {
	return nil, 0, nil
}
func (q *memQueue) Stats(context.Context) (*storage.QueueStats, error) {
	return &storage.QueueStats{}, nil
}
func (q *memQueue) SetPaused(context.Context, bool) error  { return nil }
func (q *memQueue) SeedPaused(context.Context, bool) error { return nil }
func (q *memQueue) IsPaused(context.Context) (bool, error) { return false, nil }

type rawStatusChange struct {
	id     uuid.UUID
	status models.ProcessingStatus
}

// memContent is an in-memory ContentStore with just enough semantics
// for the handlers: raw items identified by (source, external id),
// analyses one row per date, and every write kept for assertions.
type memContent struct {
	sources map[uuid.UUID]*models.FeedSource
	items   []*models.RawFeedItem
	touched []uuid.UUID

	statusChanges []rawStatusChange

	saved     []*models.ProcessedContent
	processed map[string][]models.ProcessedContent

	analyses map[uuid.UUID]*models.DailyAnalysis

	predictions []models.Prediction
	matured     []models.Prediction
	outcomes    map[uuid.UUID]models.Payload
	outcomeErr  map[uuid.UUID]error
}

func newMemContent() *memContent {
	return &memContent{
		sources:    map[uuid.UUID]*models.FeedSource{},
		processed:  map[string][]models.ProcessedContent{},
		analyses:   map[uuid.UUID]*models.DailyAnalysis{},
		outcomes:   map[uuid.UUID]models.Payload{},
		outcomeErr: map[uuid.UUID]error{},
	}
}

func (c *memContent) addSource(src *models.FeedSource) *models.FeedSource {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	c.sources[src.ID] = src
	return src
}

func (c *memContent) addItem(item *models.RawFeedItem) *models.RawFeedItem {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.ProcessingStatus == "" {
		item.ProcessingStatus = models.ProcessingPending
	}
	c.items = append(c.items, item)
	return item
}

func (c *memContent) itemByExternal(externalID string) *models.RawFeedItem {
	for _, item := range c.items {
		if item.ExternalID == externalID {
			return item
		}
	}
	return nil
}

func (c *memContent) addAnalysis(a *models.DailyAnalysis) *models.DailyAnalysis {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	c.analyses[a.ID] = a
	return a
}

func (c *memContent) GetSource(ctx context.Context, id uuid.UUID) (*models.FeedSource, error) {
	src, ok := c.sources[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return src, nil
}

func (c *memContent) ListDueSources(ctx context.Context) ([]models.FeedSource, error) {
	return nil, nil
}

func (c *memContent) TouchSource(ctx context.Context, id uuid.UUID) error {
	c.touched = append(c.touched, id)
	return nil
}

func (c *memContent) GetRawItem(ctx context.Context, id uuid.UUID) (*models.RawFeedItem, error) {
	for _, item := range c.items {
		if item.ID == id {
			clone := *item
			return &clone, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (c *memContent) UpsertRawItems(ctx context.Context, rows []models.RawFeedItem) ([]models.RawFeedItem, error) {
	var inserted []models.RawFeedItem
	for _, row := range rows {
		if c.lookupByKey(row.SourceID, row.ExternalID) != nil {
			continue
		}
		row.ID = uuid.New()
		if row.ProcessingStatus == "" {
			row.ProcessingStatus = models.ProcessingPending
		}
		stored := row
		c.items = append(c.items, &stored)
		inserted = append(inserted, row)
	}
	return inserted, nil
}

func (c *memContent) lookupByKey(sourceID uuid.UUID, externalID string) *models.RawFeedItem {
	for _, item := range c.items {
		if item.SourceID == sourceID && item.ExternalID == externalID {
			return item
		}
	}
	return nil
}

func (c *memContent) ListUnprocessedItems(ctx context.Context, sourceID uuid.UUID) ([]models.RawFeedItem, error) {
	var out []models.RawFeedItem
	for _, item := range c.items {
		if item.SourceID == sourceID && item.ProcessingStatus == models.ProcessingPending {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (c *memContent) SetRawItemStatus(ctx context.Context, id uuid.UUID, status models.ProcessingStatus) error {
	for _, item := range c.items {
		if item.ID == id {
			item.ProcessingStatus = status
			c.statusChanges = append(c.statusChanges, rawStatusChange{id: id, status: status})
			return nil
		}
	}
	return storage.ErrNotFound
}

func (c *memContent) SetRawItemTranscript(ctx context.Context, id uuid.UUID, transcript, ref string) error {
	for _, item := range c.items {
		if item.ID == id {
			item.Transcript = transcript
			item.TranscriptRef = ref
			return nil
		}
	}
	return storage.ErrNotFound
}

func (c *memContent) SaveProcessedContent(ctx context.Context, content *models.ProcessedContent) error {
	c.saved = append(c.saved, content)
	return nil
}

func (c *memContent) ListProcessedByDate(ctx context.Context, date time.Time) ([]models.ProcessedContent, error) {
	return c.processed[date.UTC().Format("2006-01-02")], nil
}

func (c *memContent) GetAnalysis(ctx context.Context, id uuid.UUID) (*models.DailyAnalysis, error) {
	a, ok := c.analyses[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a, nil
}

func (c *memContent) GetAnalysisByDate(ctx context.Context, date time.Time) (*models.DailyAnalysis, error) {
	day := date.UTC().Format("2006-01-02")
	for _, a := range c.analyses {
		if a.Date.UTC().Format("2006-01-02") == day {
			return a, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (c *memContent) UpsertAnalysis(ctx context.Context, analysis *models.DailyAnalysis) error {
	if existing, err := c.GetAnalysisByDate(ctx, analysis.Date); err == nil {
		analysis.ID = existing.ID
	} else if analysis.ID == uuid.Nil {
		analysis.ID = uuid.New()
	}
	stored := *analysis
	c.analyses[analysis.ID] = &stored
	return nil
}

func (c *memContent) UpsertPredictions(ctx context.Context, predictions []models.Prediction) error {
	c.predictions = append(c.predictions, predictions...)
	return nil
}

func (c *memContent) ListMaturedPredictions(ctx context.Context, horizon models.PredictionHorizon, asOf time.Time) ([]models.Prediction, error) {
	var out []models.Prediction
	for _, p := range c.matured {
		if p.Horizon == horizon {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *memContent) RecordPredictionOutcome(ctx context.Context, id uuid.UUID, outcome models.Payload) error {
	if err, ok := c.outcomeErr[id]; ok {
		return err
	}
	c.outcomes[id] = outcome
	return nil
}

type memCache struct {
	values   map[string]models.Payload
	ttls     map[string]time.Duration
	cleanups int
}

func newMemCache() *memCache {
	return &memCache{values: map[string]models.Payload{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Get(ctx context.Context, key string) (models.Payload, error) {
	v, ok := c.values[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (c *memCache) Set(ctx context.Context, key string, value models.Payload, ttl time.Duration) error {
	c.values[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	delete(c.values, key)
	return nil
}

func (c *memCache) Cleanup(ctx context.Context) (int64, error) {
	c.cleanups++
	return 0, nil
}

type memWorkers struct {
	live        []string
	liveWindows []time.Duration
}

func (w *memWorkers) Heartbeat(context.Context, *models.WorkerHeartbeat) error { return nil }
func (w *memWorkers) Deregister(context.Context, string) error                { return nil }
func (w *memWorkers) LiveWorkers(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	w.liveWindows = append(w.liveWindows, staleAfter)
	return w.live, nil
}
func (w *memWorkers) ListWorkers(context.Context) ([]models.WorkerHeartbeat, error) {
	return nil, nil
}
func (w *memWorkers) PruneDead(context.Context, time.Duration) (int64, error) { return 0, nil }

// memTranscripts returns ref from Put ("" means inline mode) and serves
// Fetch out of blobs.
type memTranscripts struct {
	ref   string
	puts  []string
	blobs map[string]string
}

func newMemTranscripts() *memTranscripts {
	return &memTranscripts{blobs: map[string]string{}}
}

func (s *memTranscripts) Put(ctx context.Context, rawItemID uuid.UUID, transcript string) (string, error) {
	s.puts = append(s.puts, transcript)
	if s.ref != "" {
		s.blobs[s.ref] = transcript
	}
	return s.ref, nil
}

func (s *memTranscripts) Fetch(ctx context.Context, ref string) (string, error) {
	text, ok := s.blobs[ref]
	if !ok {
		return "", storage.ErrNotFound
	}
	return text, nil
}

type stubAdapter struct {
	items []FeedItem
	err   error
	calls int
}

func (a *stubAdapter) Fetch(ctx context.Context, source *models.FeedSource) ([]FeedItem, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.items, nil
}

type stubAdapters struct {
	adapter FeedAdapter
	err     error
}

func (r *stubAdapters) ForKind(kind models.FeedSourceKind) (FeedAdapter, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.adapter, nil
}

type stubProcessor struct {
	result *ProcessedResult
	err    error
	calls  int
	seen   *models.RawFeedItem
}

func (p *stubProcessor) Process(ctx context.Context, item *models.RawFeedItem) (*ProcessedResult, error) {
	p.calls++
	p.seen = item
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

type stubAnalyzer struct {
	result *AnalysisResult
	err    error
	calls  int
}

func (a *stubAnalyzer) Analyze(ctx context.Context, date time.Time, contents []models.ProcessedContent) (*AnalysisResult, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

type stubPredictor struct {
	results []PredictionResult
	err     error
}

func (p *stubPredictor) Predict(ctx context.Context, analysis *models.DailyAnalysis) ([]PredictionResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.results, nil
}

type stubTranscriber struct {
	text  string
	err   error
	calls int
}

func (tr *stubTranscriber) Transcribe(ctx context.Context, audioURL string) (string, error) {
	tr.calls++
	if tr.err != nil {
		return "", tr.err
	}
	return tr.text, nil
}

// pipeFixture wires a Pipeline onto in-memory collaborators.
type pipeFixture struct {
	queue       *memQueue
	content     *memContent
	cache       *memCache
	workers     *memWorkers
	transcripts *memTranscripts
	adapter     *stubAdapter
	adapters    *stubAdapters
	processor   *stubProcessor
	analyzer    *stubAnalyzer
	predictor   *stubPredictor
	transcriber *stubTranscriber
	pipeline    *Pipeline
}

func newPipeFixture() *pipeFixture {
	f := &pipeFixture{
		queue:       &memQueue{},
		content:     newMemContent(),
		cache:       newMemCache(),
		workers:     &memWorkers{},
		transcripts: newMemTranscripts(),
		adapter:     &stubAdapter{},
		processor:   &stubProcessor{result: &ProcessedResult{Sentiment: "neutral"}},
		analyzer:    &stubAnalyzer{result: &AnalysisResult{Sentiment: "neutral"}},
		predictor:   &stubPredictor{},
		transcriber: &stubTranscriber{text: "transcribed text"},
	}
	f.adapters = &stubAdapters{adapter: f.adapter}
	f.pipeline = NewPipeline(PipelineDeps{
		Queue:          f.queue,
		Content:        f.content,
		Cache:          f.cache,
		Workers:        f.workers,
		Transcripts:    f.transcripts,
		Adapters:       f.adapters,
		Processor:      f.processor,
		Analyzer:       f.analyzer,
		Predictor:      f.predictor,
		Transcriber:    f.transcriber,
		DefaultTimeout: 250 * time.Second,
		Retention:      48 * time.Hour,
	})
	return f
}

func pipelineJob(t *testing.T, typ models.JobType, payload interface{}) *models.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &models.Job{ID: uuid.New(), Type: typ, Payload: raw}
}

func rawJob(typ models.JobType, raw string) *models.Job {
	return &models.Job{ID: uuid.New(), Type: typ, Payload: models.Payload(raw)}
}

func TestFeedFetchFansOutNewItems(t *testing.T) {
	f := newPipeFixture()
	source := f.content.addSource(&models.FeedSource{Name: "macro-wire", Kind: models.FeedKindAPI, Active: true})
	published := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	f.adapter.items = []FeedItem{
		{ExternalID: "art-1", Title: "Rates held", Body: "The committee held.", PublishedAt: &published},
		{ExternalID: "ep-1", Title: "Macro pod", AudioURL: "https://cdn.example.com/ep1.mp3"},
	}

	err := f.pipeline.HandleFeedFetch(context.Background(),
		pipelineJob(t, models.JobTypeFeedFetch, FeedFetchPayload{SourceID: source.ID}))
	require.NoError(t, err)

	article := f.content.itemByExternal("art-1")
	episode := f.content.itemByExternal("ep-1")
	require.NotNil(t, article)
	require.NotNil(t, episode)
	require.Len(t, f.queue.enqueued, 2)

	process := f.queue.byType(models.JobTypeContentProcess)
	require.Len(t, process, 1)
	assert.Equal(t, ProcessDedupKey(article.ID), process[0].DedupKey)
	assert.Equal(t, 2, process[0].Priority, "contract default priority")
	assert.Equal(t, 3, process[0].MaxAttempts)
	var pp ContentProcessPayload
	require.NoError(t, json.Unmarshal(process[0].Payload, &pp))
	assert.Equal(t, article.ID, pp.RawFeedID)

	transcribe := f.queue.byType(models.JobTypePodcastTranscription)
	require.Len(t, transcribe, 1)
	assert.Equal(t, TranscribeDedupKey(episode.ID), transcribe[0].DedupKey)
	var tp PodcastTranscriptionPayload
	require.NoError(t, json.Unmarshal(transcribe[0].Payload, &tp))
	assert.Equal(t, episode.ID, tp.RawFeedID)
	assert.Equal(t, "https://cdn.example.com/ep1.mp3", tp.AudioURL)

	assert.Equal(t, []uuid.UUID{source.ID}, f.content.touched)
}

func TestFeedFetchRetryHealsPartialFanOut(t *testing.T) {
	f := newPipeFixture()
	source := f.content.addSource(&models.FeedSource{Name: "macro-wire", Kind: models.FeedKindAPI, Active: true})
	// One item already made it through the pipeline; one is still pending
	// from a fetch that died before its fan-out.
	f.content.addItem(&models.RawFeedItem{SourceID: source.ID, ExternalID: "done",
		ProcessingStatus: models.ProcessingCompleted})
	orphan := f.content.addItem(&models.RawFeedItem{SourceID: source.ID, ExternalID: "orphan"})
	f.adapter.items = []FeedItem{{ExternalID: "done"}, {ExternalID: "orphan"}}

	err := f.pipeline.HandleFeedFetch(context.Background(),
		pipelineJob(t, models.JobTypeFeedFetch, FeedFetchPayload{SourceID: source.ID}))
	require.NoError(t, err)

	require.Len(t, f.queue.enqueued, 1, "only the unprocessed item fans out again")
	assert.Equal(t, models.JobTypeContentProcess, f.queue.enqueued[0].Type)
	assert.Equal(t, ProcessDedupKey(orphan.ID), f.queue.enqueued[0].DedupKey)
}

func TestFeedFetchUnknownSourceIsPermanent(t *testing.T) {
	f := newPipeFixture()
	err := f.pipeline.HandleFeedFetch(context.Background(),
		pipelineJob(t, models.JobTypeFeedFetch, FeedFetchPayload{SourceID: uuid.New()}))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorContains(t, err, "does not exist")
}

func TestFeedFetchInactiveSourceIsPermanent(t *testing.T) {
	f := newPipeFixture()
	source := f.content.addSource(&models.FeedSource{Name: "paused-wire", Kind: models.FeedKindAPI, Active: false})

	err := f.pipeline.HandleFeedFetch(context.Background(),
		pipelineJob(t, models.JobTypeFeedFetch, FeedFetchPayload{SourceID: source.ID}))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Zero(t, f.adapter.calls)
}

func TestFeedFetchUnboundKindIsPermanent(t *testing.T) {
	f := newPipeFixture()
	f.adapters.err = errors.New(`no adapter registered for source kind "reddit"`)
	source := f.content.addSource(&models.FeedSource{Name: "r-markets", Kind: models.FeedKindReddit, Active: true})

	err := f.pipeline.HandleFeedFetch(context.Background(),
		pipelineJob(t, models.JobTypeFeedFetch, FeedFetchPayload{SourceID: source.ID}))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestFeedFetchUpstreamFailureIsTransient(t *testing.T) {
	f := newPipeFixture()
	source := f.content.addSource(&models.FeedSource{Name: "flaky-wire", Kind: models.FeedKindAPI, Active: true})
	f.adapter.err = errors.New("feed endpoint returned status 502")

	err := f.pipeline.HandleFeedFetch(context.Background(),
		pipelineJob(t, models.JobTypeFeedFetch, FeedFetchPayload{SourceID: source.ID}))
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "upstream trouble must stay retryable")
	assert.ErrorContains(t, err, "flaky-wire")
	assert.Empty(t, f.queue.enqueued)
}

func TestContentProcessPersistsAndCompletes(t *testing.T) {
	f := newPipeFixture()
	published := time.Date(2026, 3, 13, 22, 45, 0, 0, time.UTC)
	item := f.content.addItem(&models.RawFeedItem{
		SourceID:    uuid.New(),
		ExternalID:  "art-9",
		Title:       "Chip demand",
		Body:        "Orders doubled.",
		PublishedAt: &published,
	})
	f.processor.result = &ProcessedResult{
		Summary:   "Demand is up.",
		Sentiment: "bullish",
		Entities:  []string{"ACME"},
		Topics:    []string{"semiconductors"},
		Relevance: 0.83,
	}

	err := f.pipeline.HandleContentProcess(context.Background(),
		pipelineJob(t, models.JobTypeContentProcess, ContentProcessPayload{RawFeedID: item.ID}))
	require.NoError(t, err)

	require.Len(t, f.content.saved, 1)
	saved := f.content.saved[0]
	assert.Equal(t, item.ID, saved.RawItemID)
	assert.Equal(t, item.SourceID, saved.SourceID)
	assert.Equal(t, "Chip demand", saved.Title)
	assert.Equal(t, "Demand is up.", saved.Summary)
	assert.Equal(t, "bullish", saved.Sentiment)
	assert.Equal(t, models.StringList{"ACME"}, saved.Entities)
	assert.Equal(t, 0.83, saved.Relevance)
	assert.Equal(t, time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC), saved.ContentDate)
	assert.Equal(t, models.ProcessingCompleted, item.ProcessingStatus)
}

func TestContentProcessAlreadyCompletedIsNoOp(t *testing.T) {
	f := newPipeFixture()
	item := f.content.addItem(&models.RawFeedItem{SourceID: uuid.New(), ExternalID: "done",
		ProcessingStatus: models.ProcessingCompleted})

	err := f.pipeline.HandleContentProcess(context.Background(),
		pipelineJob(t, models.JobTypeContentProcess, ContentProcessPayload{RawFeedID: item.ID}))
	require.NoError(t, err)
	assert.Zero(t, f.processor.calls)
	assert.Empty(t, f.content.saved)
}

func TestContentProcessInlinesBlobTranscript(t *testing.T) {
	f := newPipeFixture()
	f.transcripts.blobs["blob://transcripts/ep-7"] = "we expect a soft landing"
	item := f.content.addItem(&models.RawFeedItem{
		SourceID:      uuid.New(),
		ExternalID:    "ep-7",
		TranscriptRef: "blob://transcripts/ep-7",
	})

	err := f.pipeline.HandleContentProcess(context.Background(),
		pipelineJob(t, models.JobTypeContentProcess, ContentProcessPayload{RawFeedID: item.ID}))
	require.NoError(t, err)
	require.NotNil(t, f.processor.seen)
	assert.Equal(t, "we expect a soft landing", f.processor.seen.Transcript)
}

func TestContentProcessMissingItemIsPermanent(t *testing.T) {
	f := newPipeFixture()
	err := f.pipeline.HandleContentProcess(context.Background(),
		pipelineJob(t, models.JobTypeContentProcess, ContentProcessPayload{RawFeedID: uuid.New()}))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestContentDateAttribution(t *testing.T) {
	item := &models.RawFeedItem{CreatedAt: time.Date(2026, 2, 1, 23, 59, 59, 0, time.UTC)}
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), contentDate(item),
		"no published time falls back to ingest day")

	published := time.Date(2026, 3, 14, 1, 30, 0, 0, time.FixedZone("UTC+5", 5*3600))
	item.PublishedAt = &published
	assert.Equal(t, time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC), contentDate(item),
		"published time wins and is attributed in UTC")
}

func TestPodcastTranscriptionStoresAndChains(t *testing.T) {
	f := newPipeFixture()
	f.transcriber.text = "rates are going nowhere"
	item := f.content.addItem(&models.RawFeedItem{
		SourceID:   uuid.New(),
		ExternalID: "ep-1",
		AudioURL:   "https://cdn.example.com/ep1.mp3",
	})

	err := f.pipeline.HandlePodcastTranscription(context.Background(),
		pipelineJob(t, models.JobTypePodcastTranscription, PodcastTranscriptionPayload{
			RawFeedID: item.ID, AudioURL: item.AudioURL,
		}))
	require.NoError(t, err)

	assert.Equal(t, 1, f.transcriber.calls)
	assert.Equal(t, "rates are going nowhere", item.Transcript)
	assert.Empty(t, item.TranscriptRef)
	// Transcribing while the audio is out, back to pending once the text
	// landed so a lost enqueue is healed by the next fetch.
	assert.Equal(t, []rawStatusChange{
		{id: item.ID, status: models.ProcessingTranscribing},
		{id: item.ID, status: models.ProcessingPending},
	}, f.content.statusChanges)

	key, err := Fingerprint(models.JobTypePodcastTranscription, map[string]string{"audio_url": item.AudioURL})
	require.NoError(t, err)
	assert.Contains(t, f.cache.values, key)
	assert.Equal(t, 7*24*time.Hour, f.cache.ttls[key])

	require.Len(t, f.queue.enqueued, 1)
	assert.Equal(t, models.JobTypeContentProcess, f.queue.enqueued[0].Type)
	assert.Equal(t, ProcessDedupKey(item.ID), f.queue.enqueued[0].DedupKey)
}

func TestPodcastTranscriptionBlobStoreOwnsLongText(t *testing.T) {
	f := newPipeFixture()
	f.transcripts.ref = "blob://transcripts/ep-2"
	item := f.content.addItem(&models.RawFeedItem{
		SourceID:   uuid.New(),
		ExternalID: "ep-2",
		AudioURL:   "https://cdn.example.com/ep2.mp3",
	})

	err := f.pipeline.HandlePodcastTranscription(context.Background(),
		pipelineJob(t, models.JobTypePodcastTranscription, PodcastTranscriptionPayload{
			RawFeedID: item.ID, AudioURL: item.AudioURL,
		}))
	require.NoError(t, err)

	assert.Empty(t, item.Transcript, "blob store owns the text")
	assert.Equal(t, "blob://transcripts/ep-2", item.TranscriptRef)
}

func TestPodcastTranscriptionCacheHitSkipsTranscriber(t *testing.T) {
	f := newPipeFixture()
	item := f.content.addItem(&models.RawFeedItem{
		SourceID:   uuid.New(),
		ExternalID: "ep-3",
		AudioURL:   "https://cdn.example.com/ep3.mp3",
	})
	key, err := Fingerprint(models.JobTypePodcastTranscription, map[string]string{"audio_url": item.AudioURL})
	require.NoError(t, err)
	cached, err := json.Marshal("cached transcript")
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(context.Background(), key, cached, time.Hour))

	err = f.pipeline.HandlePodcastTranscription(context.Background(),
		pipelineJob(t, models.JobTypePodcastTranscription, PodcastTranscriptionPayload{
			RawFeedID: item.ID, AudioURL: item.AudioURL,
		}))
	require.NoError(t, err)

	assert.Zero(t, f.transcriber.calls)
	assert.Equal(t, "cached transcript", item.Transcript)
}

func TestPodcastTranscriptionReemitsWhenTextAlreadyLanded(t *testing.T) {
	f := newPipeFixture()
	item := f.content.addItem(&models.RawFeedItem{
		SourceID:   uuid.New(),
		ExternalID: "ep-4",
		AudioURL:   "https://cdn.example.com/ep4.mp3",
		Transcript: "already here",
	})

	err := f.pipeline.HandlePodcastTranscription(context.Background(),
		pipelineJob(t, models.JobTypePodcastTranscription, PodcastTranscriptionPayload{
			RawFeedID: item.ID, AudioURL: item.AudioURL,
		}))
	require.NoError(t, err)

	assert.Zero(t, f.transcriber.calls)
	assert.Empty(t, f.content.statusChanges)
	require.Len(t, f.queue.enqueued, 1, "retry only re-emits the processing job")
	assert.Equal(t, models.JobTypeContentProcess, f.queue.enqueued[0].Type)
}

func seedProcessedDay(f *pipeFixture, day string, n int) {
	for i := 0; i < n; i++ {
		f.content.processed[day] = append(f.content.processed[day],
			models.ProcessedContent{ID: uuid.New(), Sentiment: "bullish"})
	}
}

func TestDailyAnalysisEmptyDayIsNoOp(t *testing.T) {
	f := newPipeFixture()
	err := f.pipeline.HandleDailyAnalysis(context.Background(),
		pipelineJob(t, models.JobTypeDailyAnalysis, DailyAnalysisPayload{Date: "2026-03-14"}))
	require.NoError(t, err)
	assert.Zero(t, f.analyzer.calls)
	assert.Empty(t, f.content.analyses)
	assert.Empty(t, f.queue.enqueued)
}

func TestDailyAnalysisSavesAndChainsPredictions(t *testing.T) {
	f := newPipeFixture()
	seedProcessedDay(f, "2026-03-14", 3)
	f.analyzer.result = &AnalysisResult{
		Sentiment:  "bullish",
		Summary:    "Risk on.",
		Themes:     []string{"ai capex"},
		Confidence: 0.72,
	}

	err := f.pipeline.HandleDailyAnalysis(context.Background(),
		pipelineJob(t, models.JobTypeDailyAnalysis, DailyAnalysisPayload{Date: "2026-03-14"}))
	require.NoError(t, err)

	analysis, err := f.content.GetAnalysisByDate(context.Background(),
		time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, analysis.ID)
	assert.Equal(t, "bullish", analysis.Sentiment)
	assert.Equal(t, 3, analysis.ContentCount)

	require.Len(t, f.queue.enqueued, 1)
	req := f.queue.enqueued[0]
	assert.Equal(t, models.JobTypeGeneratePredictions, req.Type)
	assert.Equal(t, 5*time.Minute, req.Delay, "predictions wait for stragglers")
	assert.Equal(t, PredictDedupKey(analysis.ID), req.DedupKey)
	var gp GeneratePredictionsPayload
	require.NoError(t, json.Unmarshal(req.Payload, &gp))
	assert.Equal(t, analysis.ID, gp.AnalysisID)

	key, err := Fingerprint(models.JobTypeDailyAnalysis, map[string]string{"date": "2026-03-14"})
	require.NoError(t, err)
	assert.Contains(t, f.cache.values, key)
	assert.Equal(t, 24*time.Hour, f.cache.ttls[key])
}

func TestDailyAnalysisCacheHitSkipsAnalyzer(t *testing.T) {
	f := newPipeFixture()
	seedProcessedDay(f, "2026-03-14", 2)
	key, err := Fingerprint(models.JobTypeDailyAnalysis, map[string]string{"date": "2026-03-14"})
	require.NoError(t, err)
	cached, err := json.Marshal(AnalysisResult{Sentiment: "bearish", Summary: "Risk off."})
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(context.Background(), key, cached, time.Hour))

	err = f.pipeline.HandleDailyAnalysis(context.Background(),
		pipelineJob(t, models.JobTypeDailyAnalysis, DailyAnalysisPayload{Date: "2026-03-14"}))
	require.NoError(t, err)

	assert.Zero(t, f.analyzer.calls)
	analysis, err := f.content.GetAnalysisByDate(context.Background(),
		time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "bearish", analysis.Sentiment, "cached result still lands in the row")
}

func TestDailyAnalysisForceBypassesCacheRead(t *testing.T) {
	f := newPipeFixture()
	seedProcessedDay(f, "2026-03-14", 2)
	key, err := Fingerprint(models.JobTypeDailyAnalysis, map[string]string{"date": "2026-03-14"})
	require.NoError(t, err)
	stale, err := json.Marshal(AnalysisResult{Sentiment: "bearish"})
	require.NoError(t, err)
	require.NoError(t, f.cache.Set(context.Background(), key, stale, time.Hour))
	f.analyzer.result = &AnalysisResult{Sentiment: "bullish"}

	err = f.pipeline.HandleDailyAnalysis(context.Background(),
		pipelineJob(t, models.JobTypeDailyAnalysis, DailyAnalysisPayload{Date: "2026-03-14", Force: true}))
	require.NoError(t, err)

	assert.Equal(t, 1, f.analyzer.calls, "force recomputes")
	analysis, err := f.content.GetAnalysisByDate(context.Background(),
		time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "bullish", analysis.Sentiment)

	var recached AnalysisResult
	require.NoError(t, json.Unmarshal(f.cache.values[key], &recached))
	assert.Equal(t, "bullish", recached.Sentiment, "force still writes through")
}

func TestDailyAnalysisOverwritesDateRow(t *testing.T) {
	f := newPipeFixture()
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	existing := f.content.addAnalysis(&models.DailyAnalysis{Date: day, Sentiment: "neutral", ContentCount: 1})
	seedProcessedDay(f, "2026-03-14", 5)
	f.analyzer.result = &AnalysisResult{Sentiment: "bullish"}

	err := f.pipeline.HandleDailyAnalysis(context.Background(),
		pipelineJob(t, models.JobTypeDailyAnalysis, DailyAnalysisPayload{Date: "2026-03-14"}))
	require.NoError(t, err)

	require.Len(t, f.content.analyses, 1, "one row per date")
	analysis, err := f.content.GetAnalysisByDate(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, analysis.ID, "the date row keeps its identity")
	assert.Equal(t, "bullish", analysis.Sentiment)
	assert.Equal(t, 5, analysis.ContentCount)

	require.Len(t, f.queue.enqueued, 1)
	assert.Equal(t, PredictDedupKey(existing.ID), f.queue.enqueued[0].DedupKey)
}

func TestDailyAnalysisBadDateIsPermanent(t *testing.T) {
	f := newPipeFixture()
	err := f.pipeline.HandleDailyAnalysis(context.Background(),
		rawJob(models.JobTypeDailyAnalysis, `{"date":"14/03/2026"}`))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestGeneratePredictionsStampsMaturity(t *testing.T) {
	f := newPipeFixture()
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	analysis := f.content.addAnalysis(&models.DailyAnalysis{Date: day, Sentiment: "bullish"})
	f.predictor.results = []PredictionResult{
		{Type: "sentiment_trend", Horizon: models.HorizonDay, Text: "Up tomorrow.",
			Confidence: 0.7, ExpectedSentiment: "bullish"},
		{Type: "sector_rotation", Horizon: models.HorizonWeek, Text: "Into energy.",
			Confidence: 0.4, ExpectedSentiment: "bearish",
			Data: map[string]interface{}{"sector": "energy"}},
	}

	err := f.pipeline.HandleGeneratePredictions(context.Background(),
		pipelineJob(t, models.JobTypeGeneratePredictions, GeneratePredictionsPayload{AnalysisID: analysis.ID}))
	require.NoError(t, err)

	require.Len(t, f.content.predictions, 2)
	first, second := f.content.predictions[0], f.content.predictions[1]

	assert.Equal(t, analysis.ID, first.AnalysisID)
	assert.Equal(t, day.Add(24*time.Hour), first.MaturesAt)
	assert.Equal(t, day.Add(7*24*time.Hour), second.MaturesAt)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(first.Data, &data))
	assert.Equal(t, "bullish", data["expected_sentiment"])

	require.NoError(t, json.Unmarshal(second.Data, &data))
	assert.Equal(t, "bearish", data["expected_sentiment"])
	assert.Equal(t, "energy", data["sector"], "predictor data survives the merge")
}

func TestGeneratePredictionsUnknownHorizonIsPermanent(t *testing.T) {
	f := newPipeFixture()
	analysis := f.content.addAnalysis(&models.DailyAnalysis{
		Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)})
	f.predictor.results = []PredictionResult{{Type: "sentiment_trend", Horizon: "2y", Confidence: 0.9}}

	err := f.pipeline.HandleGeneratePredictions(context.Background(),
		pipelineJob(t, models.JobTypeGeneratePredictions, GeneratePredictionsPayload{AnalysisID: analysis.ID}))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorContains(t, err, "unknown horizon")
	assert.Empty(t, f.content.predictions)
}

func TestGeneratePredictionsMissingAnalysisIsPermanent(t *testing.T) {
	f := newPipeFixture()
	err := f.pipeline.HandleGeneratePredictions(context.Background(),
		pipelineJob(t, models.JobTypeGeneratePredictions, GeneratePredictionsPayload{AnalysisID: uuid.New()}))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestGeneratePredictionsEmptyResultCompletes(t *testing.T) {
	f := newPipeFixture()
	analysis := f.content.addAnalysis(&models.DailyAnalysis{
		Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)})
	f.predictor.results = nil

	err := f.pipeline.HandleGeneratePredictions(context.Background(),
		pipelineJob(t, models.JobTypeGeneratePredictions, GeneratePredictionsPayload{AnalysisID: analysis.ID}))
	require.NoError(t, err)
	assert.Empty(t, f.content.predictions)
}

func maturedPrediction(t *testing.T, maturesAt time.Time, expected string, confidence float64) models.Prediction {
	t.Helper()
	data, err := json.Marshal(map[string]string{"expected_sentiment": expected})
	require.NoError(t, err)
	return models.Prediction{
		ID:         uuid.New(),
		AnalysisID: uuid.New(),
		Type:       "sentiment_trend",
		Horizon:    models.HorizonDay,
		Confidence: confidence,
		Data:       data,
		MaturesAt:  maturesAt,
	}
}

func TestPredictionCompareGradesMatured(t *testing.T) {
	f := newPipeFixture()
	day := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	f.content.addAnalysis(&models.DailyAnalysis{Date: day, Sentiment: "Bullish"})

	hit := maturedPrediction(t, day, "bullish", 0.8)
	miss := maturedPrediction(t, day, "bearish", 0.6)
	f.content.matured = []models.Prediction{hit, miss}

	err := f.pipeline.HandlePredictionCompare(context.Background(),
		pipelineJob(t, models.JobTypePredictionCompare, PredictionComparePayload{Horizon: models.HorizonDay}))
	require.NoError(t, err)

	require.Len(t, f.content.outcomes, 2)

	var outcome models.PredictionOutcome
	require.NoError(t, json.Unmarshal(f.content.outcomes[hit.ID], &outcome))
	assert.True(t, outcome.Matched, "sentiment match is case-insensitive")
	assert.Equal(t, 0.8, outcome.Score)
	assert.Equal(t, "Bullish", outcome.RealizedSentiment)

	require.NoError(t, json.Unmarshal(f.content.outcomes[miss.ID], &outcome))
	assert.False(t, outcome.Matched)
	assert.Zero(t, outcome.Score)
}

func TestPredictionCompareLeavesUnrealizedDays(t *testing.T) {
	f := newPipeFixture()
	// No analysis row exists for the maturity day yet.
	pending := maturedPrediction(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), "bullish", 0.8)
	f.content.matured = []models.Prediction{pending}

	err := f.pipeline.HandlePredictionCompare(context.Background(),
		pipelineJob(t, models.JobTypePredictionCompare, PredictionComparePayload{Horizon: models.HorizonDay}))
	require.NoError(t, err)
	assert.Empty(t, f.content.outcomes, "left for a later sweep")
}

func TestPredictionCompareToleratesRacingSweep(t *testing.T) {
	f := newPipeFixture()
	day := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	f.content.addAnalysis(&models.DailyAnalysis{Date: day, Sentiment: "bullish"})
	gone := maturedPrediction(t, day, "bullish", 0.9)
	kept := maturedPrediction(t, day, "bullish", 0.5)
	f.content.matured = []models.Prediction{gone, kept}
	f.content.outcomeErr[gone.ID] = storage.ErrNotFound

	err := f.pipeline.HandlePredictionCompare(context.Background(),
		pipelineJob(t, models.JobTypePredictionCompare, PredictionComparePayload{Horizon: models.HorizonDay}))
	require.NoError(t, err)
	assert.NotContains(t, f.content.outcomes, gone.ID)
	assert.Contains(t, f.content.outcomes, kept.ID)
}

func TestScoreOutcome(t *testing.T) {
	realized := &models.DailyAnalysis{Sentiment: "bullish"}

	pred := &models.Prediction{Confidence: 0.65, Data: models.Payload(`{"expected_sentiment":"BULLISH"}`)}
	outcome := scoreOutcome(pred, realized)
	assert.True(t, outcome.Matched)
	assert.Equal(t, 0.65, outcome.Score)
	assert.Equal(t, "bullish", outcome.RealizedSentiment)

	pred.Data = models.Payload(`{"expected_sentiment":"bearish"}`)
	outcome = scoreOutcome(pred, realized)
	assert.False(t, outcome.Matched)
	assert.Zero(t, outcome.Score)

	// A prediction that never named a sentiment cannot match anything.
	pred.Data = models.Payload(`{}`)
	outcome = scoreOutcome(pred, realized)
	assert.False(t, outcome.Matched)
}

func TestCleanupRunsJanitorSweep(t *testing.T) {
	f := newPipeFixture()
	f.workers.live = []string{"worker-1", "worker-2"}

	err := f.pipeline.HandleCleanup(context.Background(),
		pipelineJob(t, models.JobTypeCleanup, CleanupPayload{}))
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{48 * time.Hour}, f.queue.pruneWindows)
	assert.Equal(t, 1, f.cache.cleanups)
	assert.Equal(t, []time.Duration{storage.WorkerLivenessWindow}, f.workers.liveWindows)

	require.Len(t, f.queue.recovered, 1)
	rec := f.queue.recovered[0]
	assert.Equal(t, 500*time.Second, rec.window, "twice the default handler timeout")
	assert.Equal(t, []string{"worker-1", "worker-2"}, rec.live)
	assert.Empty(t, rec.types, "cleanup sweeps every type")
}

func TestPipelineRegistryCoversEveryType(t *testing.T) {
	f := newPipeFixture()
	reg, err := f.pipeline.Registry()
	require.NoError(t, err)

	types := reg.Types()
	require.Len(t, types, len(AllSpecs()))
	for _, typ := range types {
		entry, ok := reg.Lookup(typ)
		require.True(t, ok, "type %s", typ)
		assert.NotNil(t, entry.Handler, "type %s", typ)
		assert.NotNil(t, entry.NewPayload, "type %s", typ)
	}
}
