package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ActivityKind distinguishes a tool invocation from its result, mirroring
// the content-block shapes the agent's stream emits (grounded on
// getfinn-finn's claude.MessageContentBlock: type "tool_use"/"tool_result").
type ActivityKind string

const (
	ActivityToolUse    ActivityKind = "tool_use"
	ActivityToolResult ActivityKind = "tool_result"
)

// Activity is one tool_use/tool_result entry in an assistant turn's
// timeline, ordered by Timestamp.
type Activity struct {
	Kind      ActivityKind    `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Chunk is one segment of an assistant turn's text stream, boundary-detected
// per the job manager's chunk segmentation rule (spec §4.6).
type Chunk struct {
	Text       string `json:"text"`
	AfterTool  string `json:"afterTool,omitempty"`
}

// Message is one turn in a project's conversation. Assistant turns are
// only ever appended once complete (success or error), never mid-stream.
type Message struct {
	Role        Role       `json:"role"`
	Text        string     `json:"text"`
	Task        string     `json:"task,omitempty"`
	Chunks      []Chunk    `json:"chunks,omitempty"`
	Thinking    string     `json:"thinking,omitempty"`
	Activity    []Activity `json:"activity,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	Status      string     `json:"status,omitempty"` // "completed", "errored", "cancelled"
}

// Conversation is the durable, append-only (in normal operation) record
// of one project's message history plus the agent's own opaque session
// identifier, used to resume context across turns.
type Conversation struct {
	ProjectID      string    `json:"projectId"`
	Messages       []Message `json:"messages"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// conversations guards per-project conversation files. Different
// projects may be written concurrently; the same project's file is
// only ever written under its own lock (Load reads without it, relying
// on the atomic rename), matching spec §4.5's
// requirement ("safe against interleaved writes from different
// projects but needs only in-process serialization per project").
type conversations struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Conversations returns the handle for reading/appending per-project
// conversation logs.
func (s *Store) Conversations() *conversations {
	return &conversations{
		dir:   filepath.Join(s.baseDir, "projects"),
		locks: make(map[string]*sync.Mutex),
	}
}

func (c *conversations) lockFor(projectID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[projectID] = l
	}
	return l
}

func (c *conversations) path(projectID string) string {
	return filepath.Join(c.dir, projectID, "conversation.json")
}

// Load returns the conversation for projectID, or an empty one if none
// has been created yet (lazy creation on first interaction).
func (c *conversations) Load(projectID string) (Conversation, error) {
	data, err := os.ReadFile(c.path(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return Conversation{ProjectID: projectID}, nil
		}
		return Conversation{}, fmt.Errorf("store: read conversation %s: %w", projectID, err)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return Conversation{}, fmt.Errorf("store: parse conversation %s: %w", projectID, err)
	}
	return conv, nil
}

// Append adds msg to projectID's conversation and persists the whole
// file, serialized per-project.
func (c *conversations) Append(projectID string, msg Message) (Conversation, error) {
	lock := c.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := c.Load(projectID)
	if err != nil {
		return Conversation{}, err
	}
	conv.ProjectID = projectID
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now()

	if err := c.save(projectID, conv); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// SetAgentSessionID records the agent's opaque session id for resume,
// without touching the message history.
func (c *conversations) SetAgentSessionID(projectID, sessionID string) error {
	lock := c.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := c.Load(projectID)
	if err != nil {
		return err
	}
	conv.ProjectID = projectID
	conv.AgentSessionID = sessionID
	conv.UpdatedAt = time.Now()
	return c.save(projectID, conv)
}

// Clear resets a project's conversation (history and session id).
func (c *conversations) Clear(projectID string) error {
	lock := c.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	conv := Conversation{ProjectID: projectID, UpdatedAt: time.Now()}
	return c.save(projectID, conv)
}

func (c *conversations) save(projectID string, conv Conversation) error {
	dir := filepath.Join(c.dir, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create project dir %s: %w", projectID, err)
	}
	return writeJSONAtomic(c.path(projectID), conv)
}
