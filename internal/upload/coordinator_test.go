package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/async"
	"github.com/lucidnotes/doc-pipeline/internal/cache"
	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/orchestrator"
	"github.com/lucidnotes/doc-pipeline/internal/pipeline"
	"github.com/lucidnotes/doc-pipeline/internal/repository"
)

// idleQueue accepts tasks without running them, keeping documents in
// flight so tests can observe intermediate states.
type idleQueue struct{}

func (idleQueue) Enqueue(context.Context, async.Task) error { return nil }
func (idleQueue) Shutdown(context.Context)                  {}

type fixture struct {
	docs  repository.DocumentRepository
	jobs  repository.JobRepository
	coord *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := repository.OpenSQLite(dsn)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	logger := slog.Default()
	docs := repository.NewDocumentRepository(db, logger)
	jobs := repository.NewJobRepository(db, logger)
	entries := repository.NewCacheEntryRepository(db, logger)

	orch := orchestrator.New(docs, jobs, pipeline.NewRegistry(), orchestrator.DefaultRetryPolicy(), 0, logger)
	orch.AttachQueue(idleQueue{})
	index := cache.NewIndex(entries, docs, logger)
	return &fixture{
		docs:  docs,
		jobs:  jobs,
		coord: NewCoordinator(index, docs, orch, 5, logger),
	}
}

const testHash = "a665a45920422f9d417e4867efdc4fb8a04a1f3fff1fa07e998e86f7f7a27ae3"

func TestSubmit_RejectsMalformedInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.Submit(ctx, "not-a-hash", "v1", "doc.txt")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = f.coord.Submit(ctx, testHash, "", "doc.txt")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = f.coord.Submit(ctx, testHash, "v1", "  ")
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestSubmit_MissAdmitsDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.coord.Submit(ctx, testHash, "v1", "doc.txt")
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Nil(t, result.Artifact)
	assert.Equal(t, constants.DocumentPending, result.Status)

	jobs, err := f.jobs.ListByDocument(ctx, result.TaskID)
	require.NoError(t, err)
	assert.Len(t, jobs, 4)
}

func TestSubmit_HashIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.coord.Submit(ctx, testHash, "v1", "doc.txt")
	require.NoError(t, err)
	second, err := f.coord.Submit(ctx, strings.ToUpper(testHash), "v1", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, second.TaskID)
}

func TestSubmit_InFlightDuplicateSharesTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.coord.Submit(ctx, testHash, "v1", "doc.txt")
	require.NoError(t, err)

	second, err := f.coord.Submit(ctx, testHash, "v1", "doc.txt")
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.Equal(t, first.TaskID, second.TaskID, "duplicate submission must not fork a second pipeline run")

	jobs, err := f.jobs.ListByDocument(ctx, first.TaskID)
	require.NoError(t, err)
	assert.Len(t, jobs, 4, "no extra jobs for the duplicate")
}

func TestSubmit_CompletedContentServedFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.coord.Submit(ctx, testHash, "v1", "doc.txt")
	require.NoError(t, err)
	completeAllStages(t, ctx, f, first.TaskID)

	result, err := f.coord.Submit(ctx, testHash, "v1", "doc.txt")
	require.NoError(t, err)
	assert.True(t, result.Cached)
	assert.Equal(t, first.TaskID, result.TaskID)
	assert.JSONEq(t, `{"extracted_text":"x"}`, string(result.Artifact))
}

func TestSubmit_NewVersionReprocesses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.coord.Submit(ctx, testHash, "v1", "doc.txt")
	require.NoError(t, err)
	completeAllStages(t, ctx, f, first.TaskID)

	result, err := f.coord.Submit(ctx, testHash, "v2", "doc.txt")
	require.NoError(t, err)
	assert.False(t, result.Cached, "same content under a new pipeline version is a miss")
	assert.NotEqual(t, first.TaskID, result.TaskID)
}

func TestSubmit_FailedDocumentReentersPipeline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.coord.Submit(ctx, testHash, "v1", "doc.txt")
	require.NoError(t, err)

	jobs, err := f.jobs.ListByDocument(ctx, first.TaskID)
	require.NoError(t, err)
	require.NoError(t, f.jobs.Abandon(ctx, jobs[0].ID, "bad input", ""))

	doc, err := f.docs.GetByID(ctx, first.TaskID)
	require.NoError(t, err)
	require.Equal(t, constants.DocumentFailed, doc.Status)

	result, err := f.coord.Submit(ctx, testHash, "v1", "doc.txt")
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, first.TaskID, result.TaskID, "resubmission reuses the document row")
	assert.Equal(t, constants.DocumentPending, result.Status)

	jobs, err = f.jobs.ListByDocument(ctx, first.TaskID)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	for i := range jobs {
		assert.Equal(t, constants.JobQueued, jobs[i].Status, "DAG rebuilt from scratch")
	}
}

func completeAllStages(t *testing.T, ctx context.Context, f *fixture, docID uuid.UUID) {
	t.Helper()
	jobs, err := f.jobs.ListByDocument(ctx, docID)
	require.NoError(t, err)
	for _, kind := range constants.StageKinds {
		for i := range jobs {
			if jobs[i].StageKind != kind {
				continue
			}
			_, outcome, err := f.jobs.Claim(ctx, jobs[i].ID)
			require.NoError(t, err)
			require.Equal(t, repository.ClaimOK, outcome)
			require.NoError(t, f.jobs.MarkSucceeded(ctx, jobs[i].ID, json.RawMessage(`{}`)))
		}
	}
	require.NoError(t, f.docs.MarkCompleted(ctx, docID, json.RawMessage(`{"extracted_text":"x"}`), nil))
}
