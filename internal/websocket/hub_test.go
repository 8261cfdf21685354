package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/acctbroker/internal/event"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		conn: nil,
		send: make(chan []byte, sendBufferSize),
	}
}

func claimed(key string) event.Event {
	return event.New(event.EntityAccount, event.AccountClaimed, key, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), map[string]any{"license": "L1"})
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub)
	c2 := mockClient(hub)
	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)
	hub.Unregister(c1) // second call is a no-op
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c2)
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestPublish(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub)
	c2 := mockClient(hub)
	hub.Register(c1)
	hub.Register(c2)

	hub.Publish(claimed("a@example.com"))

	for _, c := range []*Client{c1, c2} {
		select {
		case data := <-c.send:
			var got Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "account_claimed" {
				t.Errorf("expected type account_claimed, got %s", got.Type)
			}
			if got.Key != "a@example.com" {
				t.Errorf("expected key a@example.com, got %s", got.Key)
			}
			if got.Extra["license"] != "L1" {
				t.Errorf("expected license L1, got %v", got.Extra["license"])
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for message")
		}
	}
}

func TestPublishEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	// Should not panic
	hub.Publish(claimed("a@example.com"))
	hub.Publish()
}

func TestPublishFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub)
	hub.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		hub.Publish(claimed("fill"))
	}
	// This should drop the message, not block
	hub.Publish(claimed("dropped"))

	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, count)
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub)
			hub.Register(c)
			hub.Publish(claimed("concurrent"))
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}

func TestHandleStreamsEvents(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := httptest.NewServer(Handle(hub, nil, slog.Default()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(claimed("a@example.com"))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "account_claimed" || got.Key != "a@example.com" {
		t.Errorf("got %+v", got)
	}

	conn.Close(ws.StatusNormalClosure, "")
	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFilterMatch(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	accountL1 := claimed("a@example.com")
	accountL2 := event.New(event.EntityAccount, event.AccountReleased, "b@example.com", at, map[string]any{"license": "L2"})
	licenseL1 := event.New(event.EntityLicense, event.LicenseActivated, "L1", at, nil)
	removed := event.New(event.EntityAccount, event.AccountRemoved, "c@example.com", at, map[string]any{"reason": "ineligible"})

	tests := []struct {
		name  string
		query string
		e     event.Event
		want  bool
	}{
		{"no filter", "", removed, true},
		{"entity match", "entity=account", accountL1, true},
		{"entity miss", "entity=account", licenseL1, false},
		{"entity list", "entity=license, Account", licenseL1, true},
		{"license key", "license=L1", licenseL1, true},
		{"license on account event", "license=L1", accountL1, true},
		{"other license", "license=L1", accountL2, false},
		{"account without license", "license=L1", removed, false},
		{"both", "entity=account&license=L1", licenseL1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatalf("parse query: %v", err)
			}
			if got := ParseFilter(q).Match(tt.e); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPublishHonorsFilter(t *testing.T) {
	hub := NewHub(slog.Default())

	all := mockClient(hub)
	licenses := mockClient(hub)
	licenses.filter = Filter{Entities: map[string]bool{event.EntityLicense: true}}
	hub.Register(all)
	hub.Register(licenses)

	hub.Publish(claimed("a@example.com"))

	if got := len(all.send); got != 1 {
		t.Errorf("unfiltered client got %d frames, want 1", got)
	}
	if got := len(licenses.send); got != 0 {
		t.Errorf("license-only client got %d frames, want 0", got)
	}
}
