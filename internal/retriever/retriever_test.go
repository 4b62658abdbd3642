package retriever

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfchat/internal/model"
	"pdfchat/internal/vectorstore"
	"pdfchat/internal/vectorstore/memory"
)

var spec = model.EmbeddingSpec{Model: "embed-small", Dimension: 2}

type fakeDocs struct {
	docs []model.Document
	err  error
}

func (f *fakeDocs) ListSearchable(_ context.Context, userID, documentID uint) ([]model.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Document
	for _, d := range f.docs {
		if d.UserID != userID || !d.Searchable() {
			continue
		}
		if documentID != 0 && d.ID != documentID {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return [][]float32{f.vec}, nil
}

func readyDoc(id, user uint) model.Document {
	return model.Document{ID: id, UserID: user, Status: model.DocumentReady, EmbeddingModel: spec.Model, EmbeddingDim: spec.Dimension}
}

func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New(2)
	require.NoError(t, s.UpsertChunks(context.Background(), 1, []model.Chunk{
		{ChunkOrder: 0, Content: "alpha", Embedding: []float32{1, 0}, Metadata: map[string]any{"page": 1}},
		{ChunkOrder: 1, Content: "beta", Embedding: []float32{0.9, 0.1}, Metadata: map[string]any{"page": 2}},
		{ChunkOrder: 2, Content: "gamma", Embedding: []float32{0, 1}},
	}))
	return s
}

func TestRetrieve_RankedContext(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1, 0}}
	r := New(seedStore(t), &fakeDocs{docs: []model.Document{readyDoc(1, 7)}}, emb, Config{Spec: spec, TopK: 2}, nil)

	res, err := r.Retrieve(context.Background(), Request{Query: " what is alpha? ", UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, "alpha"+Separator+"beta", res.Context)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, 0, res.Sources[0].ChunkOrder)
	assert.Equal(t, 1, res.Sources[0].Page)
	assert.Equal(t, 2, res.Sources[1].Page)
}

func TestRetrieve_EmptyScope(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1, 0}}
	pending := readyDoc(1, 7)
	pending.Status = model.DocumentIngesting
	r := New(seedStore(t), &fakeDocs{docs: []model.Document{pending}}, emb, Config{Spec: spec}, nil)

	res, err := r.Retrieve(context.Background(), Request{Query: "anything", UserID: 7})
	require.NoError(t, err)
	assert.Empty(t, res.Context)
	assert.Empty(t, res.Sources)
	assert.Zero(t, emb.calls)
}

func TestRetrieve_OtherUsersDocumentsInvisible(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1, 0}}
	r := New(seedStore(t), &fakeDocs{docs: []model.Document{readyDoc(1, 7)}}, emb, Config{Spec: spec}, nil)

	res, err := r.Retrieve(context.Background(), Request{Query: "alpha", UserID: 8})
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
}

func TestRetrieve_ModelMismatch(t *testing.T) {
	doc := readyDoc(1, 7)
	doc.EmbeddingModel = "embed-large"
	r := New(seedStore(t), &fakeDocs{docs: []model.Document{doc}}, &fakeEmbedder{vec: []float32{1, 0}}, Config{Spec: spec}, nil)

	_, err := r.Retrieve(context.Background(), Request{Query: "alpha", UserID: 7})
	assert.ErrorIs(t, err, ErrModelMismatch)
}

func TestRetrieve_QueryValidation(t *testing.T) {
	r := New(seedStore(t), &fakeDocs{}, &fakeEmbedder{}, Config{Spec: spec, MaxQueryChars: 10}, nil)

	_, err := r.Retrieve(context.Background(), Request{Query: "   ", UserID: 1})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = r.Retrieve(context.Background(), Request{Query: strings.Repeat("é", 11), UserID: 1})
	assert.ErrorIs(t, err, ErrQueryTooLong)

	_, err = ValidateQuery(strings.Repeat("é", 10), 10)
	assert.NoError(t, err)
}

func TestRetrieve_EmbeddingErrors(t *testing.T) {
	docs := &fakeDocs{docs: []model.Document{readyDoc(1, 7)}}

	boom := errors.New("boom")
	r := New(seedStore(t), docs, &fakeEmbedder{err: boom}, Config{Spec: spec}, nil)
	_, err := r.Retrieve(context.Background(), Request{Query: "alpha", UserID: 7})
	assert.ErrorIs(t, err, boom)

	r = New(seedStore(t), docs, &fakeEmbedder{vec: []float32{1, 0, 0}}, Config{Spec: spec}, nil)
	_, err = r.Retrieve(context.Background(), Request{Query: "alpha", UserID: 7})
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestAssemble_Budget(t *testing.T) {
	matches := []vectorstore.Match{
		{Chunk: model.Chunk{ChunkOrder: 0, Content: strings.Repeat("a", 10)}},
		{Chunk: model.Chunk{ChunkOrder: 1, Content: strings.Repeat("b", 10)}},
		{Chunk: model.Chunk{ChunkOrder: 2, Content: "c"}},
	}

	res := Assemble(matches, 10+len(Separator)+9)
	assert.Equal(t, strings.Repeat("a", 10), res.Context)
	assert.Len(t, res.Sources, 1, "a chunk that does not fit ends the context")

	res = Assemble(matches, 10+len(Separator)+10)
	assert.Len(t, res.Sources, 2)

	res = Assemble(matches, 5)
	assert.Empty(t, res.Context)
	assert.Empty(t, res.Sources)
}

func TestInspectQuery(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		query    string
		threat   string
		severity string
		tags     int
	}{
		{name: "plain", in: "  What does chapter 3 say?  ", query: "What does chapter 3 say?"},
		{name: "sql topic is not flagged", in: "How do I drop table rows safely in postgres?", query: "How do I drop table rows safely in postgres?"},
		{name: "word function is not flagged", in: "what function computes the total", query: "what function computes the total"},
		{name: "html stripped", in: "<b>bold</b> question &amp; more", query: "bold question & more", threat: "html_tags", severity: "low", tags: 2},
		{name: "script", in: "<script>alert(1)</script>summary please", query: "alert(1)summary please", threat: "xss", severity: "medium", tags: 2},
		{name: "javascript url", in: "open javascript:alert(1)", query: "open javascript:alert(1)", threat: "xss", severity: "medium"},
		{name: "sql injection", in: "x' OR '1'='1; SELECT * FROM users --", query: "x' OR '1'='1; SELECT * FROM users --", threat: "sql_injection", severity: "high"},
		{name: "code execution", in: "run eval(open('x').read())", query: "run eval(open('x').read())", threat: "code_execution", severity: "high"},
		{name: "command injection", in: "summary; sudo reboot", query: "summary; sudo reboot", threat: "command_injection", severity: "high"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := InspectQuery(tc.in)
			assert.Equal(t, tc.query, got.Query)
			assert.Equal(t, tc.threat, got.Threat)
			assert.Equal(t, tc.severity, got.Severity)
			assert.Equal(t, tc.tags, got.TagsRemoved)
			assert.Equal(t, tc.threat != "", got.Suspicious())
		})
	}
}
