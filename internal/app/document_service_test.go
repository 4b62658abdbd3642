package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfchat/internal/cache"
	"pdfchat/internal/model"
	"pdfchat/internal/vectorstore/memory"
)

func newDocumentFixture(t *testing.T) (*DocumentService, *fakeDocs, *memory.Store, *fakeTags, *fakeProgress) {
	t.Helper()
	docs := newFakeDocs()
	store := memory.New(2)
	tags := &fakeTags{}
	progress := &fakeProgress{}
	return NewDocumentService(docs, tags, store, progress, nil), docs, store, tags, progress
}

func TestDocumentService_Tags(t *testing.T) {
	svc, docs, _, tags, _ := newDocumentFixture(t)
	ctx := context.Background()
	doc := &model.Document{UserID: 1, Title: "a"}
	require.NoError(t, docs.Create(ctx, doc))

	got, err := svc.SetTags(ctx, 1, doc.ID, []string{"b", " a ", "", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, []string(got.Tags))

	got, err = svc.AddTag(ctx, 1, doc.ID, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, []string(got.Tags))

	got, err = svc.AddTag(ctx, 1, doc.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, []string(got.Tags))

	got, err = svc.RemoveTag(ctx, 1, doc.ID, " a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, []string(got.Tags))
	assert.Equal(t, []string{"b", "c"}, []string(docs.get(doc.ID).Tags))

	all, err := svc.ListTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)
	assert.Len(t, tags.names, 3)

	_, err = svc.SetTags(ctx, 2, doc.ID, []string{"x"})
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDocumentService_DeleteCascadesToVectors(t *testing.T) {
	svc, docs, store, _, _ := newDocumentFixture(t)
	ctx := context.Background()
	doc := &model.Document{UserID: 1}
	require.NoError(t, docs.Create(ctx, doc))
	require.NoError(t, store.UpsertChunks(ctx, doc.ID, []model.Chunk{{ChunkOrder: 0, Content: "x", Embedding: []float32{1, 0}}}))

	assert.ErrorIs(t, svc.Delete(ctx, 2, doc.ID), ErrDocumentNotFound)
	require.NoError(t, svc.Delete(ctx, 1, doc.ID))

	n, err := store.CountChunks(ctx, doc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, docs.get(doc.ID))
}

func TestDocumentService_Progress(t *testing.T) {
	svc, docs, _, _, progress := newDocumentFixture(t)
	ctx := context.Background()
	doc := &model.Document{UserID: 1, Status: model.DocumentFailed, BatchSize: 4, CommittedBatches: 2, ChunkTotal: 10, LastError: "boom"}
	require.NoError(t, docs.Create(ctx, doc))

	p, err := svc.Progress(ctx, 1, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, cache.Progress{DocumentID: doc.ID, Status: "failed", Processed: 8, Total: 10, Batch: 1, Error: "boom"}, p)

	_ = docs.MarkIngesting(ctx, doc.ID, 10, 2)
	require.NoError(t, progress.Report(ctx, cache.Progress{DocumentID: doc.ID, Status: "ingesting", Processed: 9, Total: 10, Batch: 2}))
	p, err = svc.Progress(ctx, 1, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, p.Processed)
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"x", "y"}, NormalizeTags([]string{" x", "y ", "x", " "}))
	assert.Empty(t, NormalizeTags(nil))
	assert.Equal(t, []string{"go", "rag"}, ParseTagList("go, rag,,go"))
	assert.Nil(t, ParseTagList("  "))
}
