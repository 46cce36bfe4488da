package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tandem-backend/internal/model"
	"tandem-backend/internal/pipeline"
	"tandem-backend/internal/storage"

	"github.com/cloudwego/eino/schema"
)

const choresReply = "你好！我們聊聊家務吧。你常常洗碗嗎？\n---\nNǐ hǎo! Wǒmen liáoliáo jiāwù ba. Nǐ chángcháng xǐ wǎn ma?\n---\nHello! Let's talk about household chores. Do you often wash the dishes?"

type fakeLister struct {
	calls atomic.Int32
	list  string
	err   error
}

func (l *fakeLister) CharacterList(context.Context, string) (string, error) {
	l.calls.Add(1)
	return l.list, l.err
}

type fakeContextualizer struct {
	mu      sync.Mutex
	calls   int
	history [][]*schema.Message
	rewrite func(string) string
}

func (c *fakeContextualizer) InvokeWithHistory(_ context.Context, history []*schema.Message, input string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.history = append(c.history, history)
	if c.rewrite != nil {
		return c.rewrite(input), nil
	}
	return input, nil
}

type fakeBuilder struct {
	stage          pipeline.Stage
	contextualizer *fakeContextualizer
	contextTexts   []string
}

func (b *fakeBuilder) PartnerName() string { return "Lang" }

func (b *fakeBuilder) Pipeline(_ context.Context, _ string, contextText string) (pipeline.Stage, error) {
	b.contextTexts = append(b.contextTexts, contextText)
	return b.stage, nil
}

func (b *fakeBuilder) Contextualizer(context.Context) (Contextualizer, error) {
	return b.contextualizer, nil
}

func constStage(out string) pipeline.Stage {
	return pipeline.StageFunc(func(context.Context, string) (string, error) { return out, nil })
}

func waitReply(t *testing.T, p *Pending) *Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return r
}

func TestRegistryIdentity(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(func(_ context.Context, topic string) (*Session, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return New(Options{Topic: topic, Pipeline: constStage("x")}), nil
	}, 0)

	var wg sync.WaitGroup
	results := make([]*Session, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate(context.Background(), "household chores")
			if err != nil {
				t.Errorf("get or create: %v", err)
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected factory to run once, got %d", calls.Load())
	}
	for _, s := range results {
		if s != results[0] {
			t.Fatalf("expected the same session for the same topic")
		}
	}

	other, err := r.GetOrCreate(context.Background(), "travel")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if other == results[0] || other.ID() == results[0].ID() {
		t.Fatalf("distinct topics must give distinct sessions")
	}
	if got := r.Topics(); len(got) != 2 || got[0] != "household chores" {
		t.Fatalf("unexpected topics: %v", got)
	}
}

func TestRegistryFactoryErrorNotCached(t *testing.T) {
	fail := true
	r := NewRegistry(func(_ context.Context, topic string) (*Session, error) {
		if fail {
			return nil, errors.New("index missing")
		}
		return New(Options{Topic: topic}), nil
	}, 0)

	if _, err := r.GetOrCreate(context.Background(), "a"); err == nil {
		t.Fatalf("expected factory error")
	}
	if r.Len() != 0 {
		t.Fatalf("failed creation must not be cached")
	}
	fail = false
	if _, err := r.GetOrCreate(context.Background(), "a"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
}

func TestRegistryEvictAndCleanup(t *testing.T) {
	r := NewRegistry(func(_ context.Context, topic string) (*Session, error) {
		return New(Options{Topic: topic, Pipeline: constStage("x")}), nil
	}, time.Hour)

	first, _ := r.GetOrCreate(context.Background(), "a")
	if _, ok := r.Get("a"); !ok {
		t.Fatalf("expected session to be registered")
	}
	if ok, err := r.Evict("a"); !ok || err != nil {
		t.Fatalf("evict should succeed: %v, %v", ok, err)
	}
	if ok, _ := r.Evict("a"); ok {
		t.Fatalf("evict should succeed once")
	}
	second, _ := r.GetOrCreate(context.Background(), "a")
	if first == second {
		t.Fatalf("expected a fresh session after eviction")
	}

	if n := r.Cleanup(time.Now()); n != 0 {
		t.Fatalf("fresh session must not expire, evicted %d", n)
	}
	if n := r.Cleanup(time.Now().Add(2 * time.Hour)); n != 1 {
		t.Fatalf("expected idle session to expire, evicted %d", n)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestEvictWhileAwaitingKeepsReply(t *testing.T) {
	store := storage.NewMemoryStorage()
	release := make(chan struct{})
	stage := pipeline.StageFunc(func(context.Context, string) (string, error) {
		<-release
		return "好\n---\nHǎo\n---\nGood", nil
	})
	r := NewRegistry(NewFactory(&fakeBuilder{stage: stage, contextualizer: &fakeContextualizer{}}, &fakeLister{list: "好"}, store, FactoryConfig{}), time.Hour)
	ctx := context.Background()

	s1, err := r.GetOrCreate(ctx, "chores")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p, err := s1.Invoke(ctx, "Student", "hi")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if ok, err := r.Evict("chores"); ok || !errors.Is(err, ErrResponsePending) {
		t.Fatalf("expected ErrResponsePending while awaiting, got %v, %v", ok, err)
	}
	close(release)
	waitReply(t, p)

	s2, err := r.GetOrCreate(ctx, "chores")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s2 != s1 {
		t.Fatalf("session must survive a rejected eviction")
	}
	if r, err := s2.Poll(); r == nil || err != nil {
		t.Fatalf("expected the reply to be pollable, got %v, %v", r, err)
	}

	if ok, err := r.Evict("chores"); !ok || err != nil {
		t.Fatalf("idle session should be evicted: %v, %v", ok, err)
	}
	s3, err := r.GetOrCreate(ctx, "chores")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	turns, _ := store.GetTurns(s3.ID())
	if s3.History().Len() != 2 || len(turns) != 2 {
		t.Fatalf("expected history and storage to agree on 2 turns, got %d / %d", s3.History().Len(), len(turns))
	}
}

// slowStore 助手发言写入时阻塞，直到 release 关闭
type slowStore struct {
	*storage.MemoryStorage
	writing chan struct{}
	release chan struct{}
}

func (s *slowStore) AppendTurn(id string, turn model.ChatTurn) error {
	if turn.Role == model.RoleAssistant {
		close(s.writing)
		<-s.release
	}
	return s.MemoryStorage.AppendTurn(id, turn)
}

func TestPersistDoesNotHoldSessionLock(t *testing.T) {
	store := &slowStore{
		MemoryStorage: storage.NewMemoryStorage(),
		writing:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	s := New(Options{Topic: "chores", Pipeline: constStage(choresReply), Store: store})
	if err := store.CreateTranscript(&model.Transcript{ID: s.ID(), Topic: "chores"}); err != nil {
		t.Fatalf("create transcript: %v", err)
	}

	p, err := s.Invoke(context.Background(), "Student", "hi")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	<-store.writing

	done := make(chan bool)
	go func() {
		awaiting := s.Awaiting()
		_, _ = s.Poll()
		_ = s.LastActive()
		done <- awaiting
	}()
	select {
	case awaiting := <-done:
		if !awaiting {
			t.Fatalf("session must stay awaiting until the reply is stored")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session accessors blocked on a storage write")
	}

	close(store.release)
	waitReply(t, p)
	turns, _ := store.GetTurns(s.ID())
	if len(turns) != 2 || turns[0].Role != model.RoleUser || turns[1].Role != model.RoleAssistant {
		t.Fatalf("unexpected stored turns %+v", turns)
	}
}

func TestHistoryAlternates(t *testing.T) {
	s := New(Options{Topic: "t", Pipeline: constStage(choresReply)})

	const n = 4
	for i := 0; i < n; i++ {
		p, err := s.Invoke(context.Background(), "Student", "消息")
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
		r := waitReply(t, p)
		if r.Index != 2*i+1 || p.UserIndex != 2*i {
			t.Fatalf("unexpected indices: user %d reply %d", p.UserIndex, r.Index)
		}
	}

	turns := s.History().Turns()
	if len(turns) != 2*n {
		t.Fatalf("expected %d turns, got %d", 2*n, len(turns))
	}
	for i, turn := range turns {
		want := model.RoleUser
		if i%2 == 1 {
			want = model.RoleAssistant
		}
		if turn.Role != want {
			t.Fatalf("turn %d: expected %s, got %s", i, want, turn.Role)
		}
		if i > 0 && turn.Timestamp.Before(turns[i-1].Timestamp) {
			t.Fatalf("timestamps must be non-decreasing")
		}
	}
	if turns[1].Author != "Lang" || turns[0].Author != "Student" {
		t.Fatalf("unexpected authors: %q %q", turns[0].Author, turns[1].Author)
	}
}

func TestHouseholdChoresScenario(t *testing.T) {
	lister := &fakeLister{list: "家(jiā) - home\n務(wù) - affair\n洗(xǐ) - wash"}
	ctxz := &fakeContextualizer{rewrite: func(in string) string {
		if in == "Yes, every day." {
			return "Yes, I wash the dishes every day."
		}
		return in
	}}
	var pipelineInputs []string
	var mu sync.Mutex
	builder := &fakeBuilder{
		contextualizer: ctxz,
		stage: pipeline.StageFunc(func(_ context.Context, in string) (string, error) {
			mu.Lock()
			pipelineInputs = append(pipelineInputs, in)
			mu.Unlock()
			return choresReply, nil
		}),
	}
	store := storage.NewMemoryStorage()
	r := NewRegistry(NewFactory(builder, lister, store, FactoryConfig{Mode: "characters"}), 0)

	s, err := r.GetOrCreate(context.Background(), "household chores")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if s.CharacterList() != lister.list || builder.contextTexts[0] != lister.list {
		t.Fatalf("character list not wired into the partner")
	}

	p, err := s.Invoke(context.Background(), "Student", "Hi! Let's talk about household chores.")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	waitReply(t, p)

	reply, err := s.Poll()
	if err != nil || reply == nil {
		t.Fatalf("expected reply, got %v, %v", reply, err)
	}
	if reply.Message.Fields() != 3 || reply.Message.Traditional != "你好！我們聊聊家務吧。你常常洗碗嗎？" {
		t.Fatalf("unexpected formatted reply: %+v", reply.Message)
	}
	if reply.Contextualized != "" {
		t.Fatalf("first message must not be contextualized")
	}
	if ctxz.calls != 0 {
		t.Fatalf("contextualizer must not run on empty history")
	}
	if again, err := s.Poll(); again != nil || err != nil {
		t.Fatalf("poll must clear the reply, got %v, %v", again, err)
	}

	p, err = s.Invoke(context.Background(), "Student", "Yes, every day.")
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	second := waitReply(t, p)
	if second.Contextualized != "Yes, I wash the dishes every day." {
		t.Fatalf("expected contextualized input, got %q", second.Contextualized)
	}
	if ctxz.calls != 1 || len(ctxz.history[0]) != 2 {
		t.Fatalf("contextualizer should see the two prior turns, got %d calls", ctxz.calls)
	}
	mu.Lock()
	if pipelineInputs[1] != "Yes, I wash the dishes every day." {
		t.Fatalf("pipeline should receive the rewritten input, got %q", pipelineInputs[1])
	}
	mu.Unlock()

	turns, err := store.GetTurns(s.ID())
	if err != nil || len(turns) != 4 {
		t.Fatalf("expected 4 persisted turns, got %d (%v)", len(turns), err)
	}
	if turns[3].Content != choresReply {
		t.Fatalf("assistant turn must store the raw converter output")
	}
}

func TestFailureThenRetry(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("provider unavailable")
	s := New(Options{Topic: "t", Pipeline: pipeline.StageFunc(func(context.Context, string) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return choresReply, nil
	})})

	p, err := s.Invoke(context.Background(), "Student", "你好")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if _, err := p.Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected pending error, got %v", err)
	}

	if _, err := s.Poll(); !errors.Is(err, boom) {
		t.Fatalf("expected poll to report the error, got %v", err)
	}
	if r, err := s.Poll(); r != nil || err != nil {
		t.Fatalf("error must be reported once, got %v, %v", r, err)
	}
	if s.History().Len() != 1 {
		t.Fatalf("failed generation leaves the user turn unpaired, got %d turns", s.History().Len())
	}
	if s.Awaiting() {
		t.Fatalf("session must return to idle after failure")
	}

	p, err = s.Invoke(context.Background(), "Student", "你好")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if r := waitReply(t, p); r.Index != 2 {
		t.Fatalf("expected reply at index 2, got %d", r.Index)
	}
}

func TestConcurrentInvokeRejected(t *testing.T) {
	release := make(chan struct{})
	s := New(Options{Topic: "t", Pipeline: pipeline.StageFunc(func(context.Context, string) (string, error) {
		<-release
		return choresReply, nil
	})})

	p, err := s.Invoke(context.Background(), "Student", "one")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !s.Awaiting() {
		t.Fatalf("expected awaiting state")
	}
	if _, err := s.Invoke(context.Background(), "Student", "two"); !errors.Is(err, ErrResponsePending) {
		t.Fatalf("expected ErrResponsePending, got %v", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrResponsePending) {
		t.Fatalf("reset must be rejected while awaiting, got %v", err)
	}
	if r, err := s.Poll(); r != nil || err != nil {
		t.Fatalf("poll while pending must be empty, got %v, %v", r, err)
	}

	close(release)
	waitReply(t, p)
	if s.History().Len() != 2 {
		t.Fatalf("rejected invoke must not append a turn, got %d", s.History().Len())
	}
}

func TestInvokeSurvivesRequestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	s := New(Options{Topic: "t", Pipeline: pipeline.StageFunc(func(ctx context.Context, in string) (string, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return choresReply, nil
	})})

	p, err := s.Invoke(ctx, "Student", "hi")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	cancel()
	close(release)
	waitReply(t, p)
}

func TestResetAndEmptyMessage(t *testing.T) {
	store := storage.NewMemoryStorage()
	id := SessionID("t")
	if err := store.CreateTranscript(&model.Transcript{ID: id, Topic: "t"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	s := New(Options{Topic: "t", Pipeline: constStage(choresReply), Store: store})

	if _, err := s.Invoke(context.Background(), "Student", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	p, _ := s.Invoke(context.Background(), "Student", "hi")
	waitReply(t, p)
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.History().Len() != 0 {
		t.Fatalf("expected empty history")
	}
	if turns, _ := store.GetTurns(id); len(turns) != 0 {
		t.Fatalf("expected stored turns cleared, got %d", len(turns))
	}
	if r, err := s.Poll(); r != nil || err != nil {
		t.Fatalf("reset must drop the unread reply")
	}
}

func TestFactoryResumesFromStore(t *testing.T) {
	store := storage.NewMemoryStorage()
	id := SessionID("household chores")
	_ = store.CreateTranscript(&model.Transcript{ID: id, Topic: "household chores", CharacterList: "家(jiā) - home"})
	_ = store.AppendTurn(id, model.ChatTurn{ID: "1", Role: model.RoleUser, Content: "你好", Timestamp: time.Now()})
	_ = store.AppendTurn(id, model.ChatTurn{ID: "2", Role: model.RoleAssistant, Content: choresReply, Timestamp: time.Now()})

	lister := &fakeLister{list: "unused"}
	builder := &fakeBuilder{stage: constStage(choresReply), contextualizer: &fakeContextualizer{}}
	s, err := NewFactory(builder, lister, store, FactoryConfig{})(context.Background(), "household chores")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if lister.calls.Load() != 0 {
		t.Fatalf("resumed session must reuse the stored character list")
	}
	if s.History().Len() != 2 || s.CharacterList() != "家(jiā) - home" {
		t.Fatalf("unexpected resumed state: %d turns, %q", s.History().Len(), s.CharacterList())
	}
}

func TestFactoryStoryMode(t *testing.T) {
	lister := &fakeLister{}
	builder := &fakeBuilder{stage: constStage(choresReply), contextualizer: &fakeContextualizer{}}
	_, err := NewFactory(builder, lister, nil, FactoryConfig{Mode: ModeStory, Stories: "從前有一座山"})(context.Background(), "story")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if lister.calls.Load() != 0 || builder.contextTexts[0] != "從前有一座山" {
		t.Fatalf("story mode must use the stories text, got %q", builder.contextTexts)
	}
}

func TestFactoryListerError(t *testing.T) {
	missing := errors.New("character index not found")
	builder := &fakeBuilder{stage: constStage(choresReply), contextualizer: &fakeContextualizer{}}
	_, err := NewFactory(builder, &fakeLister{err: missing}, nil, FactoryConfig{})(context.Background(), "t")
	if !errors.Is(err, missing) {
		t.Fatalf("expected lister error, got %v", err)
	}
}

func TestOnReplyCallback(t *testing.T) {
	got := make(chan *Reply, 1)
	s := New(Options{Topic: "t", Pipeline: constStage(choresReply), OnReply: func(_ *Session, r *Reply, err error) {
		if err == nil {
			got <- r
		}
	}})
	if _, err := s.Invoke(context.Background(), "Student", "hi"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	select {
	case r := <-got:
		if !strings.HasPrefix(r.Raw, "你好") {
			t.Fatalf("unexpected reply %q", r.Raw)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("callback not called")
	}
}

func TestSessionIDStable(t *testing.T) {
	if SessionID("a") != SessionID("a") || SessionID("a") == SessionID("b") {
		t.Fatalf("session id must be derived from the topic")
	}
}
