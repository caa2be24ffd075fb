package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucidnotes/doc-pipeline/constants"
	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
	"github.com/lucidnotes/doc-pipeline/internal/repository"
)

type fixture struct {
	docs    repository.DocumentRepository
	jobs    repository.JobRepository
	entries repository.CacheEntryRepository
	index   *Index
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
	return &fixture{
		docs:    docs,
		jobs:    jobs,
		entries: entries,
		index:   NewIndex(entries, docs, logger),
	}
}

// completeDocument drives a document through its DAG and into the cache.
func (f *fixture) completeDocument(t *testing.T, ctx context.Context, key entity.CacheKey, expiresAt *time.Time) *entity.Document {
	t.Helper()
	doc, _, err := f.docs.CreateWithJobs(ctx, key, "doc.txt", 5)
	require.NoError(t, err)

	jobs, err := f.jobs.ListByDocument(ctx, doc.ID)
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
	require.NoError(t, f.docs.MarkCompleted(ctx, doc.ID, json.RawMessage(`{"extracted_text":"x"}`), expiresAt))
	return doc
}

func TestLookup_MissForUnknownKey(t *testing.T) {
	f := newFixture(t)
	doc, err := f.index.Lookup(context.Background(), entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"})
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestLookup_HitCountsAccesses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}
	created := f.completeDocument(t, ctx, key, nil)

	hit, err := f.index.Lookup(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, created.ID, hit.ID)
	assert.NotNil(t, hit.Artifact)

	_, err = f.index.Lookup(ctx, key)
	require.NoError(t, err)

	entry, err := f.entries.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.HitCount)
}

func TestLookup_SameHashDifferentVersionMisses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.completeDocument(t, ctx, entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}, nil)

	doc, err := f.index.Lookup(ctx, entity.CacheKey{ContentHash: "h1", PipelineVersion: "v2"})
	require.NoError(t, err)
	assert.Nil(t, doc, "a version bump must invalidate prior results")
}

func TestLookup_ExpiredEntryPurgesAndMisses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}
	past := time.Now().UTC().Add(-time.Minute)
	created := f.completeDocument(t, ctx, key, &past)

	doc, err := f.index.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, doc, "expired entry is a miss")

	_, err = f.docs.GetByID(ctx, created.ID)
	assert.ErrorIs(t, err, common.ErrNotFound, "expired document is purged")
	_, err = f.entries.Get(ctx, key)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	f.completeDocument(t, ctx, entity.CacheKey{ContentHash: "h1", PipelineVersion: "v1"}, &past)
	f.completeDocument(t, ctx, entity.CacheKey{ContentHash: "h2", PipelineVersion: "v1"}, &past)
	keeper := f.completeDocument(t, ctx, entity.CacheKey{ContentHash: "h3", PipelineVersion: "v1"}, &future)

	purged, err := f.index.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	_, err = f.docs.GetByID(ctx, keeper.ID)
	assert.NoError(t, err, "unexpired entries survive the sweep")
}
