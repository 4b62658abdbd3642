package app

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"pdfchat/internal/ai"
	"pdfchat/internal/cache"
	"pdfchat/internal/model"
	"pdfchat/internal/retriever"
)

type fakeDocs struct {
	mu     sync.Mutex
	nextID uint
	docs   map[uint]*model.Document
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: map[uint]*model.Document{}}
}

func (f *fakeDocs) Create(_ context.Context, doc *model.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	doc.ID = f.nextID
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	cp := *doc
	f.docs[doc.ID] = &cp
	return nil
}

func (f *fakeDocs) get(id uint) *model.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

func (f *fakeDocs) GetByID(_ context.Context, id uint) (*model.Document, error) {
	return f.get(id), nil
}

func (f *fakeDocs) GetByIDAndUserID(_ context.Context, id, userID uint) (*model.Document, error) {
	d := f.get(id)
	if d == nil || d.UserID != userID {
		return nil, nil
	}
	return d, nil
}

func (f *fakeDocs) FindByHash(_ context.Context, userID uint, hash string) (*model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.docs {
		if d.UserID == userID && d.ContentHash == hash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDocs) ListByUserID(_ context.Context, userID uint) ([]model.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Document
	for _, d := range f.docs {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	slices.SortFunc(out, func(a, b model.Document) int { return int(b.ID) - int(a.ID) })
	return out, nil
}

func (f *fakeDocs) ListSearchable(_ context.Context, userID, documentID uint) ([]model.Document, error) {
	all, _ := f.ListByUserID(context.Background(), userID)
	var out []model.Document
	for _, d := range all {
		if d.Searchable() && (documentID == 0 || d.ID == documentID) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDocs) mutate(id uint, fn func(d *model.Document)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[id]; ok {
		fn(d)
		d.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeDocs) MarkIngesting(_ context.Context, id uint, chunkTotal, committed int) error {
	return f.mutate(id, func(d *model.Document) {
		d.Status, d.ChunkTotal, d.CommittedBatches, d.LastError = model.DocumentIngesting, chunkTotal, committed, ""
	})
}

func (f *fakeDocs) UpdateProgress(_ context.Context, id uint, committed int) error {
	return f.mutate(id, func(d *model.Document) { d.CommittedBatches = committed })
}

func (f *fakeDocs) MarkReady(_ context.Context, id uint, committed int) error {
	return f.mutate(id, func(d *model.Document) {
		d.Status, d.CommittedBatches, d.LastError = model.DocumentReady, committed, ""
	})
}

func (f *fakeDocs) MarkFailed(_ context.Context, id uint, committed int, reason string) error {
	return f.mutate(id, func(d *model.Document) {
		d.Status, d.CommittedBatches, d.LastError = model.DocumentFailed, committed, reason
	})
}

func (f *fakeDocs) MarkPending(_ context.Context, id uint) error {
	return f.mutate(id, func(d *model.Document) { d.Status, d.LastError = model.DocumentPending, "" })
}

func (f *fakeDocs) UpdateTags(_ context.Context, id uint, tags []string) error {
	return f.mutate(id, func(d *model.Document) { d.Tags = slices.Clone(tags) })
}

func (f *fakeDocs) DeleteByIDAndUserID(_ context.Context, id, userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.docs[id]; ok && d.UserID == userID {
		delete(f.docs, id)
	}
	return nil
}

type fakeTags struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeTags) Ensure(_ context.Context, names []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		if !slices.Contains(f.names, n) {
			f.names = append(f.names, n)
		}
	}
	return nil
}

func (f *fakeTags) List(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.names)
	slices.Sort(out)
	return out, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []IngestJob
	err  error
}

func (f *fakeQueue) PublishIngest(_ context.Context, job IngestJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeProgress struct {
	mu      sync.Mutex
	reports []cache.Progress
}

func (f *fakeProgress) Report(_ context.Context, p cache.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, p)
	return nil
}

func (f *fakeProgress) Get(_ context.Context, documentID uint) (cache.Progress, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.reports) - 1; i >= 0; i-- {
		if f.reports[i].DocumentID == documentID {
			return f.reports[i], true, nil
		}
	}
	return cache.Progress{}, false, nil
}

func (f *fakeProgress) Delete(_ context.Context, documentID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = slices.DeleteFunc(f.reports, func(p cache.Progress) bool { return p.DocumentID == documentID })
	return nil
}

// fakeEmbedding embeds a text as [rune count, 1]. failAt makes the call
// whose first text equals the key fail with the queued errors.
type fakeEmbedding struct {
	mu     sync.Mutex
	calls  int
	failAt map[string][]error
}

func (f *fakeEmbedding) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	var err error
	if errs := f.failAt[texts[0]]; len(errs) > 0 {
		err, f.failAt[texts[0]] = errs[0], errs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len([]rune(t))), 1}
	}
	return out, nil
}

func (f *fakeEmbedding) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSessions struct {
	mu       sync.Mutex
	nextID   uint
	sessions map[uint]*model.ChatSession
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: map[uint]*model.ChatSession{}}
}

func (f *fakeSessions) Create(_ context.Context, s *model.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s.ID = f.nextID
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessions) ListByUserID(_ context.Context, userID, documentID uint) ([]model.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ChatSession
	for _, s := range f.sessions {
		if s.UserID == userID && (documentID == 0 || s.ScopeDocumentID() == documentID) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessions) GetByIDAndUserID(_ context.Context, id, userID uint) (*model.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.UserID != userID {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) Touch(context.Context, uint) error { return nil }

func (f *fakeSessions) DeleteByIDAndUserID(_ context.Context, id, userID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.UserID == userID {
		delete(f.sessions, id)
	}
	return nil
}

type fakeMessages struct {
	mu       sync.Mutex
	nextID   uint
	messages []model.Message
	pages    int
}

func (f *fakeMessages) Create(_ context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m.ID = f.nextID
	f.messages = append(f.messages, *m)
	return nil
}

func (f *fakeMessages) ListBySessionID(_ context.Context, sessionID uint, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessages) ListAfterID(_ context.Context, sessionID, afterID uint, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages++
	var out []model.Message
	for _, m := range f.messages {
		if m.SessionID == sessionID && m.ID > afterID && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessages) ListRecentBySessionID(ctx context.Context, sessionID uint, limit int) ([]model.Message, error) {
	all, _ := f.ListBySessionID(ctx, sessionID, 0)
	return trimMessages(all, limit), nil
}

type fakeRetriever struct {
	mu   sync.Mutex
	res  retriever.Result
	err  error
	reqs []retriever.Request
}

func (f *fakeRetriever) Retrieve(_ context.Context, req retriever.Request) (retriever.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type generateCall struct {
	history     []ai.ChatMessage
	contextText string
	message     string
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls []generateCall
	fn    func(ctx context.Context, message string) (string, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, history []ai.ChatMessage, contextText, message string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, generateCall{history: history, contextText: contextText, message: message})
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, message)
	}
	return "answer to " + strings.ToLower(message), nil
}
