package job

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairdaemon/pairdaemon/internal/store"
	"github.com/pairdaemon/pairdaemon/internal/transport"
)

type memConvs struct {
	mu    sync.Mutex
	convs map[string]store.Conversation
}

func newMemConvs() *memConvs { return &memConvs{convs: make(map[string]store.Conversation)} }

func (m *memConvs) Load(projectID string) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[projectID]; ok {
		return c, nil
	}
	return store.Conversation{ProjectID: projectID}, nil
}

func (m *memConvs) Append(projectID string, msg store.Message) (store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.convs[projectID]
	c.ProjectID = projectID
	c.Messages = append(c.Messages, msg)
	m.convs[projectID] = c
	return c, nil
}

func (m *memConvs) SetAgentSessionID(projectID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.convs[projectID]
	c.ProjectID = projectID
	c.AgentSessionID = sessionID
	m.convs[projectID] = c
	return nil
}

func (m *memConvs) load(projectID string) store.Conversation {
	c, _ := m.Load(projectID)
	return c
}

type recordingSub struct {
	mu   sync.Mutex
	msgs []transport.ServerMessage
	ch   chan transport.ServerMessage
}

func newRecordingSub() *recordingSub {
	return &recordingSub{ch: make(chan transport.ServerMessage, 256)}
}

func (s *recordingSub) Deliver(msg transport.ServerMessage) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *recordingSub) waitFor(t *testing.T, typ string, timeout time.Duration) transport.ServerMessage {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case msg := <-s.ch:
			if msg.Type == typ {
				return msg
			}
		case <-deadline.C:
			t.Fatalf("timed out waiting for message type %q", typ)
		}
	}
}

func scriptFactory(script string) CommandFactory {
	return func(ctx context.Context, projectPath, prompt, sessionID string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func fixedPath(path string) ProjectPath {
	return func(projectID string) (string, bool) { return path, true }
}

func TestSimpleTurn(t *testing.T) {
	script := `printf '%s\n' \
  '{"type":"system","subtype":"init","session_id":"s1"}' \
  '{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}' \
  '{"type":"result"}'`

	convs := newMemConvs()
	mgr := NewManager(scriptFactory(script), convs, fixedPath(t.TempDir()), nil)

	sub := newRecordingSub()
	require.NoError(t, mgr.Submit("demo", "hi", sub))

	sub.waitFor(t, transport.TypeText, 2*time.Second)
	sub.waitFor(t, transport.TypeDone, 2*time.Second)

	conv := convs.load("demo")
	require.Equal(t, "s1", conv.AgentSessionID)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, store.RoleUser, conv.Messages[0].Role)
	require.Equal(t, store.RoleAssistant, conv.Messages[1].Role)
	require.Equal(t, "completed", conv.Messages[1].Status)
	require.Equal(t, []store.Chunk{{Text: "hello"}}, conv.Messages[1].Chunks)
}

func TestBusyRejectsSecondSubmit(t *testing.T) {
	convs := newMemConvs()
	mgr := NewManager(scriptFactory("sleep 1"), convs, fixedPath(t.TempDir()), nil)

	sub := newRecordingSub()
	require.NoError(t, mgr.Submit("demo", "first", sub))
	err := mgr.Submit("demo", "second", sub)
	require.ErrorIs(t, err, ErrBusy)
}

func TestCancelIdleIsNoop(t *testing.T) {
	mgr := NewManager(scriptFactory("true"), newMemConvs(), fixedPath(t.TempDir()), nil)
	mgr.Cancel("nonexistent")
}

func TestCancelRunningJob(t *testing.T) {
	script := `printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"text","text":"Now going"}]}}'; sleep 5`
	convs := newMemConvs()
	mgr := NewManager(scriptFactory(script), convs, fixedPath(t.TempDir()), nil)
	sub := newRecordingSub()
	require.NoError(t, mgr.Submit("demo", "go", sub))

	sub.waitFor(t, transport.TypeText, 2*time.Second)
	mgr.Cancel("demo")

	sub.waitFor(t, transport.TypeDone, 7*time.Second)
	conv := convs.load("demo")
	require.Equal(t, "cancelled", conv.Messages[len(conv.Messages)-1].Status)
}

// TestWatchdogFiresOnNoOutput exercises spec §8 property 12: a
// subprocess producing no bytes within the watchdog window is killed
// and terminates the job with an error frame followed by done.
func TestWatchdogFiresOnNoOutput(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the real 10s watchdog window")
	}
	convs := newMemConvs()
	mgr := NewManager(scriptFactory("sleep 15"), convs, fixedPath(t.TempDir()), nil)
	sub := newRecordingSub()
	require.NoError(t, mgr.Submit("demo", "hi", sub))

	errMsg := sub.waitFor(t, transport.TypeError, 12*time.Second)
	require.Contains(t, errMsg.Error, "no output")
	sub.waitFor(t, transport.TypeDone, 2*time.Second)

	conv := convs.load("demo")
	require.Equal(t, "errored", conv.Messages[len(conv.Messages)-1].Status)
}

func TestReplaySnapshotDuringRun(t *testing.T) {
	script := `printf '%s\n' '{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"let me"},{"type":"text","text":"Hel"}]}}'; sleep 2`
	convs := newMemConvs()
	mgr := NewManager(scriptFactory(script), convs, fixedPath(t.TempDir()), nil)
	sub := newRecordingSub()
	require.NoError(t, mgr.Submit("demo", "go", sub))

	sub.waitFor(t, transport.TypeText, 2*time.Second)

	require.Contains(t, mgr.ActiveProjectIDs(), "demo")
	replay, ok := mgr.GetReplay("demo")
	require.True(t, ok)
	require.Equal(t, "let me", replay.Thinking)
	require.Equal(t, "Hel", replay.Text)

	mgr.Cancel("demo")
	sub.waitFor(t, transport.TypeDone, 5*time.Second)
}
