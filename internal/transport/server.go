package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/pairdaemon/pairdaemon/internal/crypto"
)

const (
	maxAuthAttempts = 5
	writeTimeout    = 10 * time.Second
	pingInterval    = 30 * time.Second
)

// JobManager is the subset of the job manager's API the transport
// layer depends on. Implemented by internal/job.Manager.
type JobManager interface {
	Submit(projectID, prompt string, sub Subscriber) error
	Cancel(projectID string)
	Subscribe(projectID string, sub Subscriber)
	Unsubscribe(projectID string, sub Subscriber)
	ActiveProjectIDs() []string
	GetReplay(projectID string) (ServerMessage, bool)
}

// Subscriber receives fanned-out deltas from a running job.
type Subscriber interface {
	Deliver(msg ServerMessage)
}

// PinVerifier checks a presented PIN against the configured hash.
type PinVerifier func(pin string) (bool, error)

// PushSubscriber persists a push endpoint for a device.
type PushSubscriber interface {
	Subscribe(deviceID, endpoint string, keys map[string]string) error
}

// Server accepts WebSocket connections on /ws and runs the
// UNAUTH -> AUTH state machine described in spec §4.3.
type Server struct {
	Devices   func() []DeviceSecret
	VerifyPin PinVerifier
	Jobs      JobManager
	Push      PushSubscriber
}

// DeviceSecret is the minimal device identity the transport needs: an
// id (for push-subscribe bookkeeping) and its shared AES key.
type DeviceSecret struct {
	ID     string
	Secret string
}

// NewServer builds a transport server. devices returns the currently
// paired devices' id+secret (the single-pairing-at-a-time policy means
// this is normally zero or one entries).
func NewServer(devices func() []DeviceSecret, verifyPin PinVerifier, jobs JobManager, push PushSubscriber) *Server {
	return &Server{
		Devices:   devices,
		VerifyPin: verifyPin,
		Jobs:      jobs,
		Push:      push,
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the
// connection's lifecycle until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("transport: accept failed: %v", err)
		return
	}

	c := &connection{
		srv:        s,
		conn:       conn,
		subscribed: make(map[string]bool),
	}
	c.run(r.Context())
}

// connection is one client's WS session: unauthenticated until a valid
// `auth` frame is received, after which every frame is encrypted under
// the sole paired device's shared secret.
type connection struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	authed       bool
	deviceID     string
	secret       string
	authAttempts int

	subMu      sync.Mutex
	subscribed map[string]bool
}

func (c *connection) run(ctx context.Context) {
	defer c.conn.Close(websocket.StatusNormalClosure, "done")
	defer c.unsubscribeAll()

	go c.pingLoop(ctx)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var env crypto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed frame: close without a reply so an attacker
			// learns nothing (spec §7).
			return
		}

		secret, ok := c.secretForDecrypt()
		if !ok {
			return
		}

		plaintext, err := crypto.Decrypt(env, secret)
		if err != nil {
			// DecryptionFailure: close without a reply.
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(plaintext, &msg); err != nil {
			return
		}

		if !c.dispatch(ctx, msg) {
			return
		}
	}
}

// secretForDecrypt returns the key to use for the next inbound frame:
// the authenticated device's secret once known, or the sole paired
// device's secret while still unauthenticated (needed to decrypt the
// `auth` frame itself).
func (c *connection) secretForDecrypt() (string, bool) {
	if c.authed {
		return c.secret, true
	}
	devices := c.srv.Devices()
	if len(devices) != 1 {
		return "", false
	}
	return devices[0].Secret, true
}

func (c *connection) dispatch(ctx context.Context, msg ClientMessage) bool {
	if !c.authed {
		if msg.Type != TypeAuth {
			return true // ignore, stay unauthenticated
		}
		return c.handleAuth(ctx, msg)
	}

	switch msg.Type {
	case TypeMessage:
		c.handleMessage(msg)
	case TypeCancel:
		c.handleCancel(msg)
	case TypePushSubscribe:
		c.handlePushSubscribe(msg)
	default:
		// Unknown type: ignore for forward compatibility.
	}
	return true
}

func (c *connection) handleAuth(ctx context.Context, msg ClientMessage) bool {
	devices := c.srv.Devices()
	if len(devices) != 1 {
		return false
	}

	ok, err := c.srv.VerifyPin(msg.Pin)
	if err != nil || !ok {
		c.authAttempts++
		c.send(ctx, ServerMessage{Type: TypeAuthError, Error: "invalid pin"})
		return c.authAttempts < maxAuthAttempts
	}

	c.authed = true
	c.deviceID = devices[0].ID
	c.secret = devices[0].Secret

	active := c.srv.Jobs.ActiveProjectIDs()
	c.send(ctx, ServerMessage{Type: TypeAuthOK, ActiveProjectIDs: active})

	for _, projectID := range active {
		if replay, ok := c.srv.Jobs.GetReplay(projectID); ok {
			replay.ProjectID = projectID
			replay.Type = TypeStreamingRestore
			c.send(ctx, replay)
		}
		c.srv.Jobs.Subscribe(projectID, c)
		c.subMu.Lock()
		c.subscribed[projectID] = true
		c.subMu.Unlock()
	}

	return true
}

func (c *connection) handleMessage(msg ClientMessage) {
	if msg.ProjectID == "" {
		return
	}
	c.subMu.Lock()
	if !c.subscribed[msg.ProjectID] {
		c.srv.Jobs.Subscribe(msg.ProjectID, c)
		c.subscribed[msg.ProjectID] = true
	}
	c.subMu.Unlock()

	if err := c.srv.Jobs.Submit(msg.ProjectID, msg.Text, c); err != nil {
		c.Deliver(ServerMessage{Type: TypeError, ProjectID: msg.ProjectID, Error: err.Error()})
		c.Deliver(ServerMessage{Type: TypeDone, ProjectID: msg.ProjectID})
	}
}

func (c *connection) handleCancel(msg ClientMessage) {
	if msg.ProjectID == "" {
		return
	}
	c.srv.Jobs.Cancel(msg.ProjectID)
}

func (c *connection) handlePushSubscribe(msg ClientMessage) {
	if c.srv.Push == nil || c.deviceID == "" {
		return
	}
	if err := c.srv.Push.Subscribe(c.deviceID, msg.Endpoint, msg.Keys); err != nil {
		log.Printf("transport: push subscribe failed: %v", err)
	}
}

// Deliver encrypts and sends msg to this connection. It implements
// Subscriber so the job manager can fan out without knowing about
// WebSockets.
func (c *connection) Deliver(msg ServerMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	c.send(ctx, msg)
}

func (c *connection) send(ctx context.Context, msg ServerMessage) {
	if !c.authed && msg.Type != TypeAuthOK && msg.Type != TypeAuthError {
		return
	}

	plaintext, err := json.Marshal(msg)
	if err != nil {
		log.Printf("transport: marshal outbound message: %v", err)
		return
	}

	secret := c.secret
	if msg.Type == TypeAuthError {
		devices := c.srv.Devices()
		if len(devices) == 1 {
			secret = devices[0].Secret
		}
	}

	env, err := crypto.Encrypt(plaintext, secret)
	if err != nil {
		log.Printf("transport: encrypt outbound message: %v", err)
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("transport: marshal envelope: %v", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("transport: write failed: %v", err)
	}
}

// pingLoop keeps the connection alive, matching the keep-alive ticker
// in getfinn-finn's internal/websocket/client.go writePump.
func (c *connection) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *connection) unsubscribeAll() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for projectID := range c.subscribed {
		c.srv.Jobs.Unsubscribe(projectID, c)
	}
}
