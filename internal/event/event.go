// Package event carries state-transition notifications from the ledger and
// the allocator to whoever is listening.
package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	LicenseActivated   = "activated"
	LicenseDeactivated = "deactivated"
	LicenseIssued      = "issued"
	SwitchUsed         = "switch_used"
	DeviceBound        = "bound"
	DeviceSwitched     = "switched"
	DeviceTouched      = "touched"
	SwitchRecorded     = "switch_recorded"
	AccountClaimed     = "claimed"
	AccountReleased    = "released"
	AccountRemoved     = "removed"
	AccountQuotaFull   = "quota_full"
	AccountVerified    = "verified"
	AccountAdded       = "added"
)

const (
	EntityLicense = "license"
	EntityBinding = "device_binding"
	EntityAccount = "account"
)

type Event struct {
	ID     string         `json:"id"`
	Entity string         `json:"entity"`
	Action string         `json:"action"`
	Key    string         `json:"key"`
	At     time.Time      `json:"at"`
	Extra  map[string]any `json:"extra,omitempty"`
}

func New(entity, action, key string, at time.Time, extra map[string]any) Event {
	return Event{
		ID:     uuid.NewString(),
		Entity: entity,
		Action: action,
		Key:    key,
		At:     at,
		Extra:  extra,
	}
}

// Publisher receives committed events. Publish must not block.
type Publisher interface {
	Publish(events ...Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(...Event) {}

// Recorder keeps published events in memory; handy in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(events ...Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

// Actions lists the actions of the recorded events for the given entity.
func (r *Recorder) Actions(entity string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Entity == entity {
			out = append(out, e.Action)
		}
	}
	return out
}
