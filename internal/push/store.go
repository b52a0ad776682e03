package push

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// subscription is a device's registered Web Push endpoint. Keyed by
// device id in memory; one per device, replaced on re-registration
// (spec §4.7).
type subscription struct {
	DeviceID  string            `json:"deviceId"`
	Endpoint  string            `json:"endpoint"`
	Keys      map[string]string `json:"keys"`
	CreatedAt time.Time         `json:"createdAt"`
}

func (d *Dispatcher) subscriptionsPath() string {
	return filepath.Join(d.baseDir, "push-subscriptions.json")
}

func (d *Dispatcher) loadSubscriptions() error {
	data, err := os.ReadFile(d.subscriptionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("push: read push-subscriptions.json: %w", err)
	}
	var subs []subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return fmt.Errorf("push: parse push-subscriptions.json: %w", err)
	}
	for _, s := range subs {
		d.subs[s.DeviceID] = s
	}
	return nil
}

func (d *Dispatcher) saveSubscriptionsLocked() error {
	subs := make([]subscription, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("push: marshal push-subscriptions.json: %w", err)
	}

	tmp := d.subscriptionsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("push: write push-subscriptions.json: %w", err)
	}
	return os.Rename(tmp, d.subscriptionsPath())
}
