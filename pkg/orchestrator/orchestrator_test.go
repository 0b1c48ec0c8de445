package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin/weft/internal/config"
	"github.com/marcin/weft/pkg/events"
	"github.com/marcin/weft/pkg/protocol"
	"github.com/marcin/weft/pkg/provider"
	"github.com/marcin/weft/pkg/store"
	"github.com/marcin/weft/pkg/toolexec"
)

// fakeBuilder hands out pre-registered adapters.
type fakeBuilder struct {
	adapters map[string]provider.Adapter
	models   map[string]string
}

func (b *fakeBuilder) Build(id string) (provider.Adapter, error) {
	adapter, ok := b.adapters[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", id)
	}
	return adapter, nil
}

func (b *fakeBuilder) DefaultModel(id string) string { return b.models[id] }

type baseAdapter struct{ id string }

func (a baseAdapter) ID() string                { return a.id }
func (a baseAdapter) Kind() config.ProviderKind { return config.ProviderAnthropic }

// fakeSync completes synchronously with canned turns, or blocks until
// cancelled when blocking is set.
type fakeSync struct {
	baseAdapter
	turns    []string
	usage    *provider.Usage
	err      error
	blocking bool

	mu    sync.Mutex
	calls int
}

func (f *fakeSync) CompleteSync(ctx context.Context, _ []provider.Message, _ provider.ModelConfig, emit events.Emitter) (*provider.SyncResult, error) {
	if f.blocking {
		emit.Emit(events.Event{Type: events.TypeTextDelta, Text: "partial answer"})
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()

	if idx >= len(f.turns) {
		return nil, fmt.Errorf("no scripted turn %d", idx)
	}
	text := f.turns[idx]
	emit.Emit(events.Event{Type: events.TypeTextDelta, Text: text})
	return &provider.SyncResult{Text: text, Usage: f.usage}, nil
}

func (f *fakeSync) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeToolNative requests one shell call and then answers.
type fakeToolNative struct {
	baseAdapter
	turn int
}

func (f *fakeToolNative) CompleteToolTurn(_ context.Context, _ string, _ []provider.Message, tools []provider.ToolDef, _ provider.ModelConfig) (*provider.ToolTurnResult, error) {
	f.turn++
	if f.turn == 1 {
		return &provider.ToolTurnResult{
			ToolCalls: []provider.ToolCall{{
				ID:        "call-1",
				Name:      tools[0].Name,
				Arguments: map[string]interface{}{"command": "echo probed"},
			}},
			AssistantTurn: provider.Message{Role: "assistant"},
			Usage:         &provider.Usage{InputTokens: 5, OutputTokens: 2},
		}, nil
	}
	return &provider.ToolTurnResult{
		Text:          "probe finished",
		AssistantTurn: provider.Message{Role: "assistant", Content: "probe finished"},
		Usage:         &provider.Usage{InputTokens: 5, OutputTokens: 3},
	}, nil
}

// fakeAsync accepts a submission and never completes inline.
type fakeAsync struct {
	baseAdapter
	handle string
}

func (f *fakeAsync) SubmitAsync(context.Context, []provider.Message, provider.ModelConfig) (string, error) {
	return f.handle, nil
}

func (f *fakeAsync) PollAsync(context.Context, string) (*provider.PollResult, error) {
	return &provider.PollResult{Status: provider.StatusRunning}, nil
}

// eventRecorder captures the outward stream.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Emit(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func setupOrchestrator(t *testing.T, builder provider.Builder, sink events.Emitter) (*Orchestrator, *store.Store) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tools, err := toolexec.New(toolexec.Config{Workspace: t.TempDir()})
	require.NoError(t, err)

	o := New(Config{
		Store:       s,
		Registry:    builder,
		Tools:       tools,
		Interpreter: protocol.NewInterpreter(tools, zerolog.Nop()),
		Sink:        sink,
		Logger:      zerolog.Nop(),
	})
	return o, s
}

func TestStartRun_Chat(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist the exchange and complete the run", func(t *testing.T) {
		sink := &eventRecorder{}
		sync := &fakeSync{
			baseAdapter: baseAdapter{id: "claude"},
			turns:       []string{"the answer"},
			usage:       &provider.Usage{InputTokens: 20, OutputTokens: 8},
		}
		o, s := setupOrchestrator(t, &fakeBuilder{
			adapters: map[string]provider.Adapter{"claude": sync},
			models:   map[string]string{"claude": "claude-sonnet-4-5"},
		}, sink)

		result, err := o.StartRun(ctx, StartParams{
			ProviderID:     "claude",
			UserText:       "explain the race condition in the watcher",
			IdempotencyKey: "key-1",
		})
		require.NoError(t, err)

		assert.Equal(t, store.RunCompleted, result.Run.Status)
		assert.Empty(t, result.Run.Error)
		require.NotNil(t, result.UserMessage)
		require.NotNil(t, result.AssistantMessage)
		assert.Equal(t, "the answer", result.AssistantMessage.Content)
		assert.False(t, result.Accepted)

		// User message lands before the assistant reply.
		messages, err := s.ListMessages(ctx, result.Session.ID)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		assert.Equal(t, store.RoleUser, messages[0].Role)
		assert.Equal(t, store.RoleAssistant, messages[1].Role)

		// Usage was recorded against the session.
		in, out, err := s.SessionUsage(ctx, result.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(20), in)
		assert.Equal(t, int64(8), out)

		// The session was titled from the user text.
		sess, err := s.GetSession(ctx, result.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, "explain the race condition in the watcher", sess.Title)

		types := sink.types()
		assert.Equal(t, events.TypeStatus, types[0])
		assert.Equal(t, events.TypeDone, types[len(types)-1])
	})

	t.Run("should replay a duplicate submission without re-executing", func(t *testing.T) {
		sync := &fakeSync{baseAdapter: baseAdapter{id: "claude"}, turns: []string{"first", "second"}}
		o, _ := setupOrchestrator(t, &fakeBuilder{
			adapters: map[string]provider.Adapter{"claude": sync},
		}, nil)

		first, err := o.StartRun(ctx, StartParams{ProviderID: "claude", UserText: "hello there friend", IdempotencyKey: "dup"})
		require.NoError(t, err)

		second, err := o.StartRun(ctx, StartParams{
			SessionID:      first.Session.ID,
			ProviderID:     "claude",
			UserText:       "hello there friend",
			IdempotencyKey: "dup",
		})
		require.NoError(t, err)

		assert.Equal(t, first.Run.ID, second.Run.ID)
		assert.Equal(t, first.AssistantMessage.ID, second.AssistantMessage.ID)
		assert.Equal(t, 1, sync.callCount())
	})

	t.Run("should require an idempotency key", func(t *testing.T) {
		o, _ := setupOrchestrator(t, &fakeBuilder{}, nil)

		_, err := o.StartRun(ctx, StartParams{ProviderID: "claude", UserText: "x"})
		assert.ErrorContains(t, err, "idempotency key")
	})

	t.Run("should fail fast on an unknown provider", func(t *testing.T) {
		o, s := setupOrchestrator(t, &fakeBuilder{}, nil)

		result, err := o.StartRun(ctx, StartParams{
			ProviderID:     "ghost",
			UserText:       "anything at all here",
			IdempotencyKey: "key-cfg",
		})
		require.NoError(t, err)

		assert.Equal(t, store.RunFailed, result.Run.Status)
		assert.Contains(t, result.Run.Error, "unknown provider")
		require.NotNil(t, result.AssistantMessage)
		assert.Contains(t, result.AssistantMessage.Content, "The run failed:")

		// The user message survives the failure.
		messages, err := s.ListMessages(ctx, result.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RoleUser, messages[0].Role)
	})

	t.Run("should fail the run when the backend errors", func(t *testing.T) {
		sync := &fakeSync{baseAdapter: baseAdapter{id: "claude"}, err: fmt.Errorf("backend returned status 500")}
		o, _ := setupOrchestrator(t, &fakeBuilder{
			adapters: map[string]provider.Adapter{"claude": sync},
		}, nil)

		result, err := o.StartRun(ctx, StartParams{ProviderID: "claude", UserText: "please do a thing", IdempotencyKey: "key-err"})
		require.NoError(t, err)

		assert.Equal(t, store.RunFailed, result.Run.Status)
		assert.Contains(t, result.Run.Error, "status 500")
	})

	t.Run("should settle the run when message persistence breaks mid-run", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")
		s, err := store.Open(dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })

		tools, err := toolexec.New(toolexec.Config{Workspace: t.TempDir()})
		require.NoError(t, err)

		sync := &fakeSync{baseAdapter: baseAdapter{id: "claude"}, turns: []string{"never reached"}}
		sink := &eventRecorder{}
		o := New(Config{
			Store:       s,
			Registry:    &fakeBuilder{adapters: map[string]provider.Adapter{"claude": sync}},
			Tools:       tools,
			Interpreter: protocol.NewInterpreter(tools, zerolog.Nop()),
			Sink:        sink,
			Logger:      zerolog.Nop(),
		})

		// A second connection blocks message inserts, so the run row
		// is created but the user message cannot be persisted.
		raw, err := sql.Open("sqlite3", dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { raw.Close() })
		_, err = raw.Exec(`CREATE TRIGGER block_messages BEFORE INSERT ON messages
			BEGIN SELECT RAISE(ABORT, 'messages unavailable'); END`)
		require.NoError(t, err)

		_, err = o.StartRun(ctx, StartParams{ProviderID: "claude", UserText: "write me a haiku", IdempotencyKey: "key-broken"})
		require.Error(t, err)

		// The run must not stay running forever.
		sessions, err := s.ListSessions(ctx, false)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		run, err := s.GetRunByIdempotencyKey(ctx, sessions[0].ID, "key-broken")
		require.NoError(t, err)
		assert.Equal(t, store.RunFailed, run.Status)
		assert.NotEmpty(t, run.Error)

		// The stream still terminates with a done event.
		types := sink.types()
		require.NotEmpty(t, types)
		assert.Equal(t, events.TypeDone, types[len(types)-1])
	})

	t.Run("should not title the session from boilerplate", func(t *testing.T) {
		sync := &fakeSync{baseAdapter: baseAdapter{id: "claude"}, turns: []string{"hi back"}}
		o, s := setupOrchestrator(t, &fakeBuilder{
			adapters: map[string]provider.Adapter{"claude": sync},
		}, nil)

		result, err := o.StartRun(ctx, StartParams{ProviderID: "claude", UserText: "hello", IdempotencyKey: "key-hi"})
		require.NoError(t, err)

		sess, err := s.GetSession(ctx, result.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, placeholderTitle, sess.Title)
	})
}

func TestStartRun_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("should complete a cancelled run with the partial text", func(t *testing.T) {
		sync := &fakeSync{baseAdapter: baseAdapter{id: "claude"}, blocking: true}
		o, _ := setupOrchestrator(t, &fakeBuilder{
			adapters: map[string]provider.Adapter{"claude": sync},
		}, &eventRecorder{})

		go func() {
			// Cancel once the run has registered its stream.
			for i := 0; i < 100; i++ {
				if o.Cancel("st_cancel_me") {
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}()

		result, err := o.StartRun(ctx, StartParams{
			ProviderID:     "claude",
			UserText:       "long running question",
			IdempotencyKey: "key-cancel",
			StreamID:       "st_cancel_me",
		})
		require.NoError(t, err)

		assert.Equal(t, store.RunCompleted, result.Run.Status)
		assert.Equal(t, cancelledAnnotation, result.Run.Error)
		require.NotNil(t, result.AssistantMessage)
		assert.Equal(t, "partial answer", result.AssistantMessage.Content)
	})

	t.Run("should report false for an unknown stream", func(t *testing.T) {
		o, _ := setupOrchestrator(t, &fakeBuilder{}, nil)
		assert.False(t, o.Cancel("st_nobody"))
	})
}

func TestStartRun_Tools(t *testing.T) {
	ctx := context.Background()

	t.Run("should drive a tool-native backend through its loop", func(t *testing.T) {
		sink := &eventRecorder{}
		native := &fakeToolNative{baseAdapter: baseAdapter{id: "claude"}}
		o, _ := setupOrchestrator(t, &fakeBuilder{
			adapters: map[string]provider.Adapter{"claude": native},
		}, sink)

		result, err := o.StartRun(ctx, StartParams{
			ProviderID:     "claude",
			AccessMode:     AccessTools,
			UserText:       "probe the workspace",
			IdempotencyKey: "key-native",
		})
		require.NoError(t, err)

		assert.Equal(t, store.RunCompleted, result.Run.Status)
		assert.Equal(t, "probe finished", result.AssistantMessage.Content)

		// The executed command surfaced as an action trace.
		var actions []events.Trace
		sink.mu.Lock()
		for _, ev := range sink.events {
			if ev.Type == events.TypeTrace && ev.Trace != nil && ev.Trace.Kind == events.TraceAction {
				actions = append(actions, *ev.Trace)
			}
		}
		sink.mu.Unlock()
		require.Len(t, actions, 1)
		assert.Contains(t, actions[0].Text, "$ echo probed")
		assert.Contains(t, actions[0].Text, "probed")
	})

	t.Run("should route a plain completer through the line protocol", func(t *testing.T) {
		sync := &fakeSync{
			baseAdapter: baseAdapter{id: "local"},
			turns: []string{
				`PLAN {"steps": ["answer"]}`,
				`STEP_DONE {"index": 0}`,
				`FINAL {"message": "protocol answer"}`,
			},
		}
		o, _ := setupOrchestrator(t, &fakeBuilder{
			adapters: map[string]provider.Adapter{"local": sync},
		}, nil)

		result, err := o.StartRun(ctx, StartParams{
			ProviderID:     "local",
			AccessMode:     AccessTools,
			UserText:       "answer via protocol",
			IdempotencyKey: "key-proto",
		})
		require.NoError(t, err)

		assert.Equal(t, store.RunCompleted, result.Run.Status)
		assert.Equal(t, "protocol answer", result.AssistantMessage.Content)
	})
}

func TestStartRun_Async(t *testing.T) {
	ctx := context.Background()

	t.Run("should accept the run and persist a poll job", func(t *testing.T) {
		async := &fakeAsync{baseAdapter: baseAdapter{id: "batch"}, handle: "batch_abc123"}
		o, s := setupOrchestrator(t, &fakeBuilder{
			adapters: map[string]provider.Adapter{"batch": async},
			models:   map[string]string{"batch": "gpt-4o"},
		}, nil)

		result, err := o.StartRun(ctx, StartParams{
			ProviderID:     "batch",
			UserText:       "summarize this corpus",
			IdempotencyKey: "key-async",
		})
		require.NoError(t, err)

		assert.True(t, result.Accepted)
		assert.Nil(t, result.AssistantMessage)
		assert.Equal(t, store.RunRunning, result.Run.Status)

		jobs, err := s.ListOpenJobs(ctx, store.JobKindProviderPoll, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)

		payload, err := store.DecodeJobPayload(jobs[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, "batch_abc123", payload.ResponseHandle)
		assert.Equal(t, result.Run.ID, payload.RunID)
		assert.Equal(t, "batch", payload.ProviderID)
		assert.Equal(t, "gpt-4o", payload.Model)
	})

	t.Run("should replay an accepted run while its job is open", func(t *testing.T) {
		async := &fakeAsync{baseAdapter: baseAdapter{id: "batch"}, handle: "batch_dup"}
		o, _ := setupOrchestrator(t, &fakeBuilder{
			adapters: map[string]provider.Adapter{"batch": async},
		}, nil)

		first, err := o.StartRun(ctx, StartParams{ProviderID: "batch", UserText: "queue work", IdempotencyKey: "key-async-dup"})
		require.NoError(t, err)

		second, err := o.StartRun(ctx, StartParams{
			SessionID:      first.Session.ID,
			ProviderID:     "batch",
			UserText:       "queue work",
			IdempotencyKey: "key-async-dup",
		})
		require.NoError(t, err)

		assert.Equal(t, first.Run.ID, second.Run.ID)
		assert.True(t, second.Accepted)
	})
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"first line only", "fix the build\nand then some detail", "fix the build"},
		{"collapses whitespace", "  fix   the\tbuild  ", "fix the build"},
		{"too short", "abc", ""},
		{"boilerplate greeting", "hello", ""},
		{"boilerplate with punctuation", "Thanks!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveTitle(tt.text))
		})
	}

	t.Run("truncates long titles", func(t *testing.T) {
		long := ""
		for i := 0; i < 20; i++ {
			long += "verylongword "
		}
		title := deriveTitle(long)
		assert.LessOrEqual(t, len([]rune(title)), 64+len("..."))
		assert.Contains(t, title, "...")
	})
}
