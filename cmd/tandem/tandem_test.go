package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tandem-backend/internal/config"
	"tandem-backend/internal/pipeline"
	"tandem-backend/internal/retrieval"
	"tandem-backend/internal/service"
	"tandem-backend/internal/session"
	"tandem-backend/internal/storage"

	"github.com/cloudwego/eino/components/embedding"
)

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "version flag", args: []string{"--version"}, want: version},
		{name: "help flag", args: []string{"--help"}, want: "tandem chat"},
		{name: "unknown command", args: []string{"nope"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rootCmd.SetArgs(tt.args)
			var stdout, stderr bytes.Buffer
			rootCmd.SetOut(&stdout)
			rootCmd.SetErr(&stderr)

			err := rootCmd.Execute()
			if (err != nil) != tt.wantErr {
				t.Fatalf("rootCmd.Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.want != "" && !strings.Contains(stdout.String(), tt.want) {
				t.Errorf("output %q does not contain %q", stdout.String(), tt.want)
			}
		})
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "chat", "index"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered: %v", name, err)
		}
	}
	if f := chatCmd.Flags().Lookup("topic"); f == nil {
		t.Error("chat is missing --topic")
	}
	if f := indexCmd.Flags().Lookup("reset"); f == nil {
		t.Error("index is missing --reset")
	}
}

func newTestChatService(t *testing.T, stage pipeline.Stage) *service.ChatService {
	t.Helper()
	store := storage.NewMemoryStorage()
	registry := session.NewRegistry(func(_ context.Context, topic string) (*session.Session, error) {
		return session.New(session.Options{
			Topic:         topic,
			PartnerName:   "Lang",
			CharacterList: "家\tjiā\thome\t家務\tjiāwù",
			Pipeline:      stage,
			Store:         store,
		}), nil
	}, time.Hour)
	return service.NewChatService(registry, nil, store, "Student")
}

func TestRunConversation(t *testing.T) {
	var calls int32
	svc := newTestChatService(t, pipeline.StageFunc(func(context.Context, string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "你好！\n---\nNǐ hǎo!\n---\nHello!", nil
	}))

	in := strings.NewReader("Hi, how are you?\n\nBye!\nnever sent\n")
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := runConversation(ctx, svc, "household chores", in, &out); err != nil {
		t.Fatalf("runConversation: %v", err)
	}

	got := out.String()
	for _, want := range []string{"家務", "[Lang]:", "你好！", "Nǐ hǎo!", "Hello!", "Tandem session ended."} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	// Bye! 这一句仍然会得到回答，之后的输入不再发送
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 replies, got %d", n)
	}

	sess, err := svc.OpenSession(ctx, "household chores")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if n := sess.History().Len(); n != 4 {
		t.Fatalf("expected 4 turns, got %d", n)
	}
}

func TestRunConversationExitAndErrors(t *testing.T) {
	var calls int32
	svc := newTestChatService(t, pipeline.StageFunc(func(context.Context, string) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "", context.DeadlineExceeded
		}
		return "好\n---\nHǎo\n---\nGood", nil
	}))

	in := strings.NewReader("first\nsecond\nexit\nthird\n")
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := runConversation(ctx, svc, "food", in, &out); err != nil {
		t.Fatalf("runConversation: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Error:") {
		t.Errorf("expected the failed reply to be reported:\n%s", got)
	}
	if !strings.Contains(got, "Hǎo") {
		t.Errorf("expected the retry to be answered:\n%s", got)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("exit must stop the loop, got %d calls", n)
	}
}

type stubEmbedder struct{ texts int }

func (e *stubEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	e.texts += len(texts)
	out := make([][]float64, len(texts))
	for i, s := range texts {
		out[i] = []float64{float64(len([]rune(s))), 1}
	}
	return out, nil
}

func TestBuildIndex(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "hanzi.tsv")
	tsv := strings.Join([]string{
		"的\t1\t的\t8\tde\t白\tpossessive particle\t我的\twǒde",
		"家\t2\t家\t10\tjiā\t宀\thome, family\t家務\tjiāwù",
		"too\tshort",
	}, "\n")
	if err := os.WriteFile(input, []byte(tsv), 0o644); err != nil {
		t.Fatal(err)
	}
	c := config.RetrievalConfig{DBPath: filepath.Join(dir, "db", "chars.db"), Collection: "hanzi", BatchSize: 1}
	ctx := context.Background()

	e := &stubEmbedder{}
	n, err := buildIndex(ctx, e, input, c, false)
	if err != nil {
		t.Fatalf("buildIndex: %v", err)
	}
	if n != 2 || e.texts != 2 {
		t.Fatalf("expected 2 indexed entries, got %d (embedded %d)", n, e.texts)
	}

	// 同样的内容再导入一次会覆盖
	if _, err := buildIndex(ctx, e, input, c, true); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	store, err := retrieval.OpenStore(c.DBPath, false)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if count, err := store.Count(ctx, "hanzi"); err != nil || count != 2 {
		t.Fatalf("expected 2 documents, got %d, %v", count, err)
	}

	if _, err := buildIndex(ctx, e, filepath.Join(dir, "missing.tsv"), c, false); err == nil {
		t.Fatal("expected error for a missing input file")
	}
}
