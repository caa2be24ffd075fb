package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/async"
	"github.com/lucidnotes/doc-pipeline/internal/blob"
	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
	"github.com/lucidnotes/doc-pipeline/internal/pipeline"
	"github.com/lucidnotes/doc-pipeline/internal/repository"
)

// syncQueue runs each task inline, which makes DAG progression
// deterministic in tests. Retry timers still fire asynchronously.
type syncQueue struct {
	handler async.Handler
}

func (q *syncQueue) Enqueue(ctx context.Context, task async.Task) error {
	return q.handler(ctx, task)
}

func (q *syncQueue) Shutdown(context.Context) {}

type testEnv struct {
	docs repository.DocumentRepository
	jobs repository.JobRepository
	orch *Orchestrator
}

func newTestEnv(t *testing.T, registry *pipeline.Registry, policy RetryPolicy, cacheTTL time.Duration) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := repository.OpenSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	logger := slog.Default()
	docs := repository.NewDocumentRepository(db, logger)
	jobs := repository.NewJobRepository(db, logger)

	orch := New(docs, jobs, registry, policy, cacheTTL, logger)
	orch.AttachQueue(&syncQueue{handler: orch.HandleTask})
	return &testEnv{docs: docs, jobs: jobs, orch: orch}
}

// stubStage is a configurable executor for failure scenarios.
type stubStage struct {
	kind constants.StageKind
	fn   func(ctx context.Context, req pipeline.Request) (json.RawMessage, error)
}

func (s *stubStage) Kind() constants.StageKind { return s.kind }
func (s *stubStage) Execute(ctx context.Context, req pipeline.Request) (json.RawMessage, error) {
	return s.fn(ctx, req)
}

func blobRegistry(t *testing.T, files map[string]string) *pipeline.Registry {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	store, err := blob.NewFSStore(dir)
	require.NoError(t, err)
	return pipeline.DefaultRegistry(store)
}

const sampleText = "Neural networks learn representations. Neural networks generalize. " +
	"Graphs capture relations between concepts. Concepts connect representations and graphs."

func TestPipeline_RunsToCompletion(t *testing.T) {
	ctx := context.Background()
	registry := blobRegistry(t, map[string]string{"note.txt": sampleText})
	env := newTestEnv(t, registry, DefaultRetryPolicy(), time.Hour)

	doc, created, err := env.docs.CreateWithJobs(ctx, entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}, "note.txt", 5)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, env.orch.StartDocument(ctx, doc.ID))

	fresh, err := env.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DocumentCompleted, fresh.Status)
	require.NotNil(t, fresh.Artifact)
	require.NoError(t, pipeline.ValidateArtifact(fresh.Artifact))

	var artifact entity.Artifact
	require.NoError(t, json.Unmarshal(fresh.Artifact, &artifact))
	assert.NotEmpty(t, artifact.ExtractedText)
	assert.NotEmpty(t, artifact.Keywords)
	assert.NotEmpty(t, artifact.ConceptMap.Nodes)

	jobs, err := env.jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	for i := range jobs {
		assert.Equal(t, constants.JobSucceeded, jobs[i].Status, "stage %s", jobs[i].StageKind)
		assert.Equal(t, 1, jobs[i].AttemptCount)
	}
}

func TestPipeline_PermanentFailureAbandonsImmediately(t *testing.T) {
	ctx := context.Background()
	registry := pipeline.NewRegistry(
		&stubStage{kind: constants.StageParse, fn: func(context.Context, pipeline.Request) (json.RawMessage, error) {
			return nil, common.Permanentf("unsupported file format")
		}},
		&stubStage{kind: constants.StageEmbed, fn: succeedWith(`{}`)},
		&stubStage{kind: constants.StageExtractKeywords, fn: succeedWith(`{}`)},
		&stubStage{kind: constants.StageGenerateMap, fn: succeedWith(`{}`)},
	)
	env := newTestEnv(t, registry, DefaultRetryPolicy(), 0)

	doc, _, err := env.docs.CreateWithJobs(ctx, entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}, "x", 5)
	require.NoError(t, err)
	require.NoError(t, env.orch.StartDocument(ctx, doc.ID))

	fresh, err := env.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DocumentFailed, fresh.Status)
	require.NotNil(t, fresh.ErrorMessage)
	assert.Equal(t, "processing failed at stage Parse", *fresh.ErrorMessage)

	jobs, err := env.jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	for i := range jobs {
		assert.Equal(t, constants.JobAbandoned, jobs[i].Status, "stage %s", jobs[i].StageKind)
	}
	parse := jobByStage(t, jobs, constants.StageParse)
	assert.Equal(t, 1, parse.AttemptCount, "permanent failure must not retry")
}

func TestPipeline_TransientFailuresExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	var attempts atomic.Int32
	registry := pipeline.NewRegistry(
		&stubStage{kind: constants.StageParse, fn: func(context.Context, pipeline.Request) (json.RawMessage, error) {
			attempts.Add(1)
			return nil, common.Transientf("upstream service unavailable")
		}},
		&stubStage{kind: constants.StageEmbed, fn: succeedWith(`{}`)},
		&stubStage{kind: constants.StageExtractKeywords, fn: succeedWith(`{}`)},
		&stubStage{kind: constants.StageGenerateMap, fn: succeedWith(`{}`)},
	)
	policy := RetryPolicy{Base: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	env := newTestEnv(t, registry, policy, 0)

	doc, _, err := env.docs.CreateWithJobs(ctx, entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}, "x", 3)
	require.NoError(t, err)
	require.NoError(t, env.orch.StartDocument(ctx, doc.ID))

	require.Eventually(t, func() bool {
		fresh, err := env.docs.GetByID(ctx, doc.ID)
		return err == nil && fresh.Status == constants.DocumentFailed
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(3), attempts.Load())

	jobs, err := env.jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	parse := jobByStage(t, jobs, constants.StageParse)
	assert.Equal(t, constants.JobAbandoned, parse.Status)
	assert.Equal(t, 3, parse.AttemptCount)
}

func TestPipeline_TransientFailureRecoversOnRetry(t *testing.T) {
	ctx := context.Background()
	registry := blobRegistry(t, map[string]string{"note.txt": sampleText})
	parse, _ := registry.Get(constants.StageParse)

	var calls atomic.Int32
	flaky := &stubStage{kind: constants.StageParse, fn: func(fctx context.Context, req pipeline.Request) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, common.Transientf("connection reset")
		}
		return parse.Execute(fctx, req)
	}}
	embed, _ := registry.Get(constants.StageEmbed)
	keywords, _ := registry.Get(constants.StageExtractKeywords)
	conceptMap, _ := registry.Get(constants.StageGenerateMap)
	registry = pipeline.NewRegistry(flaky, embed, keywords, conceptMap)

	policy := RetryPolicy{Base: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	env := newTestEnv(t, registry, policy, 0)

	doc, _, err := env.docs.CreateWithJobs(ctx, entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}, "note.txt", 5)
	require.NoError(t, err)
	require.NoError(t, env.orch.StartDocument(ctx, doc.ID))

	require.Eventually(t, func() bool {
		fresh, err := env.docs.GetByID(ctx, doc.ID)
		return err == nil && fresh.Status == constants.DocumentCompleted
	}, 5*time.Second, 10*time.Millisecond)

	jobs, err := env.jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, jobByStage(t, jobs, constants.StageParse).AttemptCount)
}

// The concept-map join depends only on the two middle stages, but its
// executor reads the parsed text too. The orchestrator must hand it the
// whole succeeded closure, not just direct dependencies.
func TestPipeline_JoinStageSeesAllUpstreamOutputs(t *testing.T) {
	ctx := context.Background()
	parseOut := json.RawMessage(`{"text":"marker","bytes":6}`)

	var joinInputs map[constants.StageKind]json.RawMessage
	registry := pipeline.NewRegistry(
		&stubStage{kind: constants.StageParse, fn: succeedWith(string(parseOut))},
		&stubStage{kind: constants.StageEmbed, fn: succeedWith(`{"embeddings":[]}`)},
		&stubStage{kind: constants.StageExtractKeywords, fn: succeedWith(`{"keywords":[]}`)},
		&stubStage{kind: constants.StageGenerateMap, fn: func(_ context.Context, req pipeline.Request) (json.RawMessage, error) {
			joinInputs = req.Inputs
			return json.RawMessage(`{"nodes":[],"edges":[]}`), nil
		}},
	)
	env := newTestEnv(t, registry, DefaultRetryPolicy(), 0)

	doc, _, err := env.docs.CreateWithJobs(ctx, entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}, "x", 5)
	require.NoError(t, err)
	require.NoError(t, env.orch.StartDocument(ctx, doc.ID))

	require.NotNil(t, joinInputs)
	assert.JSONEq(t, string(parseOut), string(joinInputs[constants.StageParse]))
	assert.Contains(t, joinInputs, constants.StageEmbed)
	assert.Contains(t, joinInputs, constants.StageExtractKeywords)

	fresh, err := env.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DocumentCompleted, fresh.Status)
}

func TestRecover_ResumesInterruptedDocuments(t *testing.T) {
	ctx := context.Background()
	registry := blobRegistry(t, map[string]string{"note.txt": sampleText})
	env := newTestEnv(t, registry, DefaultRetryPolicy(), 0)

	doc, _, err := env.docs.CreateWithJobs(ctx, entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}, "note.txt", 5)
	require.NoError(t, err)

	// Simulate a crash mid-retry: parse failed transiently and the process
	// died before its requeue timer fired.
	jobs, err := env.jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	parse := jobByStage(t, jobs, constants.StageParse)
	_, outcome, err := env.jobs.Claim(ctx, parse.ID)
	require.NoError(t, err)
	require.Equal(t, repository.ClaimOK, outcome)
	require.NoError(t, env.jobs.MarkFailedTransient(ctx, parse.ID, "timeout", ""))

	require.NoError(t, env.orch.Recover(ctx))

	fresh, err := env.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DocumentCompleted, fresh.Status)
}

func TestRecover_RequeuesOrphanedRunningJob(t *testing.T) {
	ctx := context.Background()
	registry := blobRegistry(t, map[string]string{"note.txt": sampleText})
	env := newTestEnv(t, registry, DefaultRetryPolicy(), 0)

	doc, _, err := env.docs.CreateWithJobs(ctx, entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}, "note.txt", 5)
	require.NoError(t, err)

	// Simulate a crash mid-execution: parse was claimed and the process died
	// before the stage reported back.
	jobs, err := env.jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	parse := jobByStage(t, jobs, constants.StageParse)
	_, outcome, err := env.jobs.Claim(ctx, parse.ID)
	require.NoError(t, err)
	require.Equal(t, repository.ClaimOK, outcome)

	require.NoError(t, env.orch.Recover(ctx))

	fresh, err := env.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DocumentCompleted, fresh.Status)

	jobs, err = env.jobs.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, jobByStage(t, jobs, constants.StageParse).AttemptCount,
		"the interrupted attempt stays counted")
}

func TestRecover_CompletesDocumentStalledBeforeArtifact(t *testing.T) {
	ctx := context.Background()
	registry := pipeline.NewRegistry()
	env := newTestEnv(t, registry, DefaultRetryPolicy(), 0)

	doc, _, err := env.docs.CreateWithJobs(ctx, entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}, "x", 5)
	require.NoError(t, err)

	// Every stage succeeded but the process died before the completion
	// transition stored the artifact.
	outputs := map[constants.StageKind]json.RawMessage{
		constants.StageParse:           json.RawMessage(`{"text":"neural networks","bytes":15}`),
		constants.StageEmbed:           json.RawMessage(`{"embeddings":[]}`),
		constants.StageExtractKeywords: json.RawMessage(`{"keywords":[]}`),
		constants.StageGenerateMap:     json.RawMessage(`{"nodes":[],"edges":[]}`),
	}
	for _, kind := range constants.StageKinds {
		jobs, err := env.jobs.ListByDocument(ctx, doc.ID)
		require.NoError(t, err)
		j := jobByStage(t, jobs, kind)
		_, outcome, err := env.jobs.Claim(ctx, j.ID)
		require.NoError(t, err)
		require.Equal(t, repository.ClaimOK, outcome)
		require.NoError(t, env.jobs.MarkSucceeded(ctx, j.ID, outputs[kind]))
	}
	before, err := env.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, constants.DocumentProcessing, before.Status)

	require.NoError(t, env.orch.Recover(ctx))

	fresh, err := env.docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.DocumentCompleted, fresh.Status)
	require.NotNil(t, fresh.Artifact)
	require.NoError(t, pipeline.ValidateArtifact(fresh.Artifact))
}

func TestHandleTask_DropsTaskForPurgedJob(t *testing.T) {
	registry := pipeline.NewRegistry()
	env := newTestEnv(t, registry, DefaultRetryPolicy(), 0)

	err := env.orch.HandleTask(context.Background(), async.Task{JobID: uuid.New(), DocumentID: uuid.New()})
	assert.NoError(t, err)
}

func succeedWith(raw string) func(context.Context, pipeline.Request) (json.RawMessage, error) {
	return func(context.Context, pipeline.Request) (json.RawMessage, error) {
		return json.RawMessage(raw), nil
	}
}

func jobByStage(t *testing.T, jobs []entity.Job, kind constants.StageKind) *entity.Job {
	t.Helper()
	for i := range jobs {
		if jobs[i].StageKind == kind {
			return &jobs[i]
		}
	}
	t.Fatalf("no %s job found", kind)
	return nil
}
