// Package push dispatches best-effort completion notifications to a
// paired device's Web Push endpoint (spec §4.7). Grounded on
// other_examples/7b4b2f20_daaku-webpush__webpush.go.go (VAPID auth
// header construction, 410-triggers-cleanup) and
// other_examples/5f18db99_Jacob-Ritchey-Chirm__internal-handlers-push.go.go
// (signing the VAPID JWT with golang-jwt/jwt/v5 rather than hand-rolled
// ECDSA+base64 JWT assembly). Payload content encryption (RFC 8291) is
// intentionally not implemented — see DESIGN.md.
package push

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ProjectNamer resolves a project id to a human-readable name for the
// notification body; if it returns false the id itself is used.
type ProjectNamer func(projectID string) (string, bool)

// Dispatcher sends push notifications and persists subscriptions. It
// implements transport.PushSubscriber and job.Notifier.
type Dispatcher struct {
	baseDir   string
	email     string
	clientURL string
	projectName ProjectNamer

	vapidPriv   *ecdsa.PrivateKey
	vapidPubKey string

	client *http.Client

	mu   sync.Mutex
	subs map[string]subscription
}

// NewDispatcher loads or mints the server's VAPID identity under
// baseDir and restores any persisted subscriptions. email is the VAPID
// contact (a mailto: subject); clientURL, if set, is embedded in the
// notification's url field so a tap opens the right conversation.
func NewDispatcher(baseDir, email, clientURL string, projectName ProjectNamer) (*Dispatcher, error) {
	priv, pub, err := loadOrGenerateVAPID(baseDir)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		baseDir:     baseDir,
		email:       email,
		clientURL:   clientURL,
		projectName: projectName,
		vapidPriv:   priv,
		vapidPubKey: pub,
		client:      &http.Client{Timeout: 10 * time.Second},
		subs:        make(map[string]subscription),
	}
	if err := d.loadSubscriptions(); err != nil {
		return nil, err
	}
	return d, nil
}

// VAPIDPublicKey serves GET /api/push/vapid.
func (d *Dispatcher) VAPIDPublicKey() string {
	return d.vapidPubKey
}

// Subscribe registers (or replaces) the Web Push endpoint for a
// device. Implements transport.PushSubscriber.
func (d *Dispatcher) Subscribe(deviceID, endpoint string, keys map[string]string) error {
	if deviceID == "" || endpoint == "" {
		return fmt.Errorf("push: deviceId and endpoint are required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return fmt.Errorf("push: invalid endpoint: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[deviceID] = subscription{
		DeviceID:  deviceID,
		Endpoint:  endpoint,
		Keys:      keys,
		CreatedAt: time.Now(),
	}
	return d.saveSubscriptionsLocked()
}

func (d *Dispatcher) removeStale(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subs[deviceID]; !ok {
		return
	}
	delete(d.subs, deviceID)
	if err := d.saveSubscriptionsLocked(); err != nil {
		log.Printf("push: failed to persist subscription removal for %s: %v", deviceID, err)
	}
}

type notificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// NotifyCompletion sends a best-effort completion push to every
// registered device. Implements job.Notifier.
func (d *Dispatcher) NotifyCompletion(projectID string, succeeded bool) {
	d.mu.Lock()
	subs := make([]subscription, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	name := projectID
	if d.projectName != nil {
		if n, ok := d.projectName(projectID); ok {
			name = n
		}
	}

	payload := notificationPayload{Title: "pairdaemon"}
	if succeeded {
		payload.Body = fmt.Sprintf("%s finished", name)
	} else {
		payload.Body = fmt.Sprintf("%s failed", name)
	}
	if d.clientURL != "" {
		payload.URL = d.clientURL + "?project=" + url.QueryEscape(projectID)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("push: marshal notification: %v", err)
		return
	}

	for _, s := range subs {
		if err := d.send(s, body); err != nil {
			log.Printf("push: send to device %s failed: %v", s.DeviceID, err)
		}
	}
}

func (d *Dispatcher) send(sub subscription, payload []byte) error {
	auth, err := d.vapidAuthHeader(sub.Endpoint)
	if err != nil {
		return fmt.Errorf("vapid auth: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, sub.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)
	req.Header.Set("TTL", "3600")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		log.Printf("push: subscription for device %s is stale (%d), removing", sub.DeviceID, resp.StatusCode)
		d.removeStale(sub.DeviceID)
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push server returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) vapidAuthHeader(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	audience := u.Scheme + "://" + u.Host

	claims := jwt.MapClaims{
		"aud": audience,
		"exp": time.Now().Add(12 * time.Hour).Unix(),
		"sub": "mailto:" + d.email,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(d.vapidPriv)
	if err != nil {
		return "", fmt.Errorf("sign vapid jwt: %w", err)
	}

	return fmt.Sprintf("vapid t=%s, k=%s", signed, d.vapidPubKey), nil
}
