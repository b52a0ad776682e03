// Package job implements the per-project agent job manager: spawns the
// agent subprocess, parses its newline-delimited JSON stream, segments
// it into chunks, fans deltas out to subscribers, persists completed
// turns, and supports cancel and reconnect replay. Grounded on
// getfinn-finn's internal/claude package (claude.go's pipe-then-scan
// shape, executor.go/interactive.go's event classification), adapted
// from "drive one interactive CLI session" to "own a registry of
// concurrent per-project runs with fan-out and replay".
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pairdaemon/pairdaemon/internal/store"
	"github.com/pairdaemon/pairdaemon/internal/transport"
)

const (
	watchdogTimeout = 10 * time.Second
	cancelGrace     = 5 * time.Second
	subBufferSize   = 64
)

// State is an ActiveJob's position in the STARTING -> RUNNING ->
// {DONE, ERRORED, CANCELLED} machine (spec §4.6).
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
)

// ConversationStore is the subset of store.Store's conversation API the
// manager needs. Declared here (rather than importing the concrete
// type) because Store.Conversations() returns an unexported type;
// structural satisfaction is enough.
type ConversationStore interface {
	Load(projectID string) (store.Conversation, error)
	Append(projectID string, msg store.Message) (store.Conversation, error)
	SetAgentSessionID(projectID, sessionID string) error
}

// ProjectPath resolves a project id to the working directory the
// subprocess should run in. Satisfied by project.Registry via a thin
// adapter in cmd/pairdaemond (Registry.Get returns a Project, not a
// bare path).
type ProjectPath func(projectID string) (string, bool)

// Notifier is the push-dispatch hook invoked on terminal events. nil is
// a valid, no-op default.
type Notifier interface {
	NotifyCompletion(projectID string, succeeded bool)
}

// Manager owns the process-wide ActiveJobs registry: at most one job
// per project id, looked up/inserted under a single mutex held only
// for that purpose (spec §4.6 "Concurrency").
type Manager struct {
	newCommand  CommandFactory
	convs       ConversationStore
	projectPath ProjectPath
	notify      Notifier

	mu   sync.Mutex
	jobs map[string]*activeJob
}

// NewManager builds a job manager. convs persists completed turns;
// projectPath resolves a project id to its working directory; notify
// may be nil.
func NewManager(newCommand CommandFactory, convs ConversationStore, projectPath ProjectPath, notify Notifier) *Manager {
	return &Manager{
		newCommand:  newCommand,
		convs:       convs,
		projectPath: projectPath,
		notify:      notify,
		jobs:        make(map[string]*activeJob),
	}
}

// Submit starts a new run for projectID if none is active, else fails
// with ErrBusy (spec §8 property 7).
func (m *Manager) Submit(projectID, prompt string, sub transport.Subscriber) error {
	path, ok := m.projectPath(projectID)
	if !ok {
		return fmt.Errorf("job: unknown project %q", projectID)
	}

	m.mu.Lock()
	if _, busy := m.jobs[projectID]; busy {
		m.mu.Unlock()
		return ErrBusy
	}
	conv, err := m.convs.Load(projectID)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("job: load conversation: %w", err)
	}

	j := newActiveJob(projectID, path, prompt, conv.AgentSessionID, m)
	m.jobs[projectID] = j
	m.mu.Unlock()

	j.addSubscriber(sub)
	go j.run()
	return nil
}

// Cancel is idempotent: a no-op if no job is running (spec §8 property 8).
func (m *Manager) Cancel(projectID string) {
	m.mu.Lock()
	j, ok := m.jobs[projectID]
	m.mu.Unlock()
	if !ok {
		return
	}
	j.cancel()
}

// Subscribe adds sub to projectID's fan-out set if a job is running.
// Subscribing to an idle project is a no-op: replay is explicit via
// GetReplay, not implied by Subscribe (spec §4.6 "Inputs").
func (m *Manager) Subscribe(projectID string, sub transport.Subscriber) {
	m.mu.Lock()
	j, ok := m.jobs[projectID]
	m.mu.Unlock()
	if ok {
		j.addSubscriber(sub)
	}
}

// Unsubscribe removes sub from projectID's fan-out set, if present.
func (m *Manager) Unsubscribe(projectID string, sub transport.Subscriber) {
	m.mu.Lock()
	j, ok := m.jobs[projectID]
	m.mu.Unlock()
	if ok {
		j.removeSubscriber(sub)
	}
}

// ActiveProjectIDs lists projects with a currently running job.
func (m *Manager) ActiveProjectIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	return ids
}

// GetReplay returns a snapshot of projectID's in-flight buffers, for
// streaming_restore on reconnect (spec §8 property 9).
func (m *Manager) GetReplay(projectID string) (transport.ServerMessage, bool) {
	m.mu.Lock()
	j, ok := m.jobs[projectID]
	m.mu.Unlock()
	if !ok {
		return transport.ServerMessage{}, false
	}
	return j.snapshot(), true
}

func (m *Manager) remove(projectID string, j *activeJob) {
	m.mu.Lock()
	if cur, ok := m.jobs[projectID]; ok && cur == j {
		delete(m.jobs, projectID)
	}
	m.mu.Unlock()
}

// activeJob is one project's in-flight run: its subprocess, buffers,
// and subscriber set. Buffers and state are guarded by bufMu and are
// written both by run and by the subprocess reader goroutines it starts
// (parsed deltas, the first-byte state change); they are not confined
// to a single goroutine. The subscriber set is guarded by subMu.
type activeJob struct {
	runID     string
	projectID string
	path      string
	prompt    string
	sessionID string
	startedAt time.Time
	mgr       *Manager

	state State

	cancelOnce sync.Once
	cancelCh   chan struct{}

	subMu sync.Mutex
	subs  map[transport.Subscriber]chan transport.ServerMessage

	bufMu      sync.Mutex
	thinking   strings.Builder
	text       strings.Builder
	activity   []store.Activity
	newSession string
	chunks     chunkBuilder
}

func newActiveJob(projectID, path, prompt, sessionID string, mgr *Manager) *activeJob {
	return &activeJob{
		runID:     uuid.NewString(),
		projectID: projectID,
		path:      path,
		prompt:    prompt,
		sessionID: sessionID,
		startedAt: time.Now(),
		mgr:       mgr,
		state:     StateStarting,
		cancelCh:  make(chan struct{}),
		subs:      make(map[transport.Subscriber]chan transport.ServerMessage),
	}
}

func (j *activeJob) addSubscriber(sub transport.Subscriber) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	if _, ok := j.subs[sub]; ok {
		return
	}
	ch := make(chan transport.ServerMessage, subBufferSize)
	j.subs[sub] = ch
	go forwardToSubscriber(sub, ch)
}

func (j *activeJob) removeSubscriber(sub transport.Subscriber) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	if ch, ok := j.subs[sub]; ok {
		close(ch)
		delete(j.subs, sub)
	}
}

// forwardToSubscriber drains ch and calls sub.Deliver, so a slow
// connection's write latency never blocks the parser goroutine.
func forwardToSubscriber(sub transport.Subscriber, ch chan transport.ServerMessage) {
	for msg := range ch {
		sub.Deliver(msg)
	}
}

// broadcast fans msg out to every subscriber. Per spec §4.6
// "Concurrency", a slow consumer may have its oldest buffered delta
// dropped rather than block the job; the per-job buffer (thinking,
// text, activity) remains authoritative for replay regardless.
func (j *activeJob) broadcast(msg transport.ServerMessage) {
	msg.ProjectID = j.projectID
	j.subMu.Lock()
	defer j.subMu.Unlock()
	for _, ch := range j.subs {
		select {
		case ch <- msg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

func (j *activeJob) cancel() {
	j.cancelOnce.Do(func() { close(j.cancelCh) })
}

func (j *activeJob) cancelled() bool {
	select {
	case <-j.cancelCh:
		return true
	default:
		return false
	}
}

// snapshot returns the current accumulated buffers as a
// streaming_restore payload (spec §4.3).
func (j *activeJob) snapshot() transport.ServerMessage {
	j.bufMu.Lock()
	defer j.bufMu.Unlock()
	activity := make([]store.Activity, len(j.activity))
	copy(activity, j.activity)
	return transport.ServerMessage{
		Type:      transport.TypeStreamingRestore,
		ProjectID: j.projectID,
		Thinking:  j.thinking.String(),
		Text:      j.text.String(),
		Activity:  activity,
	}
}

// run is the job's coordination goroutine: spawns the subprocess,
// applies the watchdog, parses stdout/stderr, and persists +
// broadcasts the terminal event. Parsed stdout/stderr lines are applied
// from the reader goroutines runSubprocess starts, so j's buffers and
// state are also written outside this goroutine, under bufMu.
func (j *activeJob) run() {
	defer j.mgr.remove(j.projectID, j)
	defer j.closeSubscribers()

	ctx, stopProc := context.WithCancel(context.Background())
	defer stopProc()

	cmd := j.mgr.newCommand(ctx, j.path, j.prompt, j.sessionID)
	if cmd == nil {
		j.finish(StateErrored, "job: no command configured", false)
		return
	}

	watchdog := time.NewTimer(watchdogTimeout)
	defer watchdog.Stop()
	watchdogFired := make(chan struct{})
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		select {
		case <-watchdog.C:
			close(watchdogFired)
			stopProc()
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		case <-ctx.Done():
		}
	}()

	onFirstByte := func() {
		watchdog.Stop()
		j.setState(StateRunning)
	}

	// Cancel sends a graceful terminate signal and only force-kills if
	// the process outlives the grace period (spec §5 "Cancellation").
	// Selecting on ctx.Done() in both stages keeps this goroutine from
	// leaking once the job finishes on its own without ever being
	// cancelled.
	go func() {
		select {
		case <-j.cancelCh:
		case <-ctx.Done():
			return
		}
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-ctx.Done():
		case <-time.After(cancelGrace):
			stopProc()
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
	}()

	runErr := runSubprocess(cmd,
		onFirstByte,
		func(line []byte) { j.handleStdoutLine(line) },
		func(line string) { j.handleStderrLine(line) },
	)
	stopProc()
	<-watchdogDone

	select {
	case <-watchdogFired:
		j.finish(StateErrored, "no output", false)
		return
	default:
	}

	if j.cancelled() {
		j.finish(StateCancelled, "", false)
		return
	}

	if runErr != nil {
		j.finish(StateErrored, runErr.Error(), false)
		return
	}

	j.finish(StateDone, "", true)
}

func (j *activeJob) setState(s State) {
	j.bufMu.Lock()
	j.state = s
	j.bufMu.Unlock()
}

func (j *activeJob) handleStdoutLine(line []byte) {
	deltas, sessionID, terminal, ok := parseLine(line, json.RawMessage(line))
	if !ok {
		log.Printf("job[%s/%s]: dropping unrecognized line", j.projectID, j.runID)
		return
	}
	if sessionID != "" {
		j.bufMu.Lock()
		j.newSession = sessionID
		j.bufMu.Unlock()
	}
	if terminal {
		return
	}
	for _, d := range deltas {
		j.applyDelta(d)
	}
}

func (j *activeJob) handleStderrLine(line string) {
	j.broadcast(transport.ServerMessage{Type: transport.TypeError, Error: line})
}

func (j *activeJob) applyDelta(d delta) {
	j.bufMu.Lock()
	switch d.kind {
	case deltaThinking:
		j.thinking.WriteString(d.text)
	case deltaText:
		j.text.WriteString(d.text)
		j.chunks.addText(d.text)
	case deltaToolUse:
		j.chunks.noteToolUse(d.toolName)
		j.activity = append(j.activity, store.Activity{
			Kind:      store.ActivityToolUse,
			Payload:   d.payload,
			Timestamp: time.Now(),
		})
	case deltaToolResult:
		j.chunks.noteToolResult()
		j.activity = append(j.activity, store.Activity{
			Kind:      store.ActivityToolResult,
			Payload:   d.payload,
			Timestamp: time.Now(),
		})
	}
	j.bufMu.Unlock()

	switch d.kind {
	case deltaThinking:
		j.broadcast(transport.ServerMessage{Type: transport.TypeThinking, Text: d.text})
	case deltaText:
		j.broadcast(transport.ServerMessage{Type: transport.TypeText, Text: d.text})
	case deltaToolUse:
		j.broadcast(transport.ServerMessage{Type: transport.TypeToolUse, ToolUse: d.payload})
	case deltaToolResult:
		j.broadcast(transport.ServerMessage{Type: transport.TypeToolResult, ToolResult: d.payload})
	}
}

// finish performs the terminal sequence from spec §4.6: stop the
// watchdog (already done by the caller), flush nothing further (the
// parser has no partial-line state across calls), persist, broadcast
// the terminal frame, notify, and deregister. Persistence happens
// before the done/error frame is delivered (spec §5 ordering).
func (j *activeJob) finish(state State, errText string, succeeded bool) {
	j.bufMu.Lock()
	j.state = state
	now := time.Now()
	msg := store.Message{
		Role:        store.RoleAssistant,
		Text:        j.text.String(),
		Task:        j.prompt,
		Chunks:      j.chunks.Chunks(),
		Thinking:    j.thinking.String(),
		Activity:    j.activity,
		StartedAt:   &j.startedAt,
		CompletedAt: &now,
	}
	switch state {
	case StateDone:
		msg.Status = "completed"
	case StateCancelled:
		msg.Status = "cancelled"
	case StateErrored:
		msg.Status = "errored"
		msg.Error = errText
	}
	newSession := j.newSession
	j.bufMu.Unlock()

	if _, err := j.mgr.convs.Append(j.projectID, store.Message{Role: store.RoleUser, Text: j.prompt}); err != nil {
		log.Printf("job[%s/%s]: persist user turn: %v", j.projectID, j.runID, err)
	}
	if _, err := j.mgr.convs.Append(j.projectID, msg); err != nil {
		log.Printf("job[%s/%s]: persist assistant turn: %v", j.projectID, j.runID, err)
	}
	if newSession != "" {
		if err := j.mgr.convs.SetAgentSessionID(j.projectID, newSession); err != nil {
			log.Printf("job[%s/%s]: persist session id: %v", j.projectID, j.runID, err)
		}
	}

	if state == StateErrored {
		j.broadcast(transport.ServerMessage{Type: transport.TypeError, Error: errText})
	}
	j.broadcast(transport.ServerMessage{Type: transport.TypeDone})

	if j.mgr.notify != nil {
		j.mgr.notify.NotifyCompletion(j.projectID, succeeded)
	}
}

func (j *activeJob) closeSubscribers() {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	for sub, ch := range j.subs {
		close(ch)
		delete(j.subs, sub)
	}
}
