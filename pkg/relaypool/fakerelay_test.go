// Copyright 2024-2026 Aiku AI

package relaypool

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// fakeRelay is an httptest server speaking enough of the relay protocol
// for these tests. It records every envelope label it receives.
type fakeRelay struct {
	Server *httptest.Server

	mu       sync.Mutex
	events   []*nostr.Event
	received []string
	conns    map[*websocket.Conn]struct{}
	accepted int

	// SkipEOSE makes the relay never answer stored-event queries with EOSE.
	SkipEOSE bool
	// RejectPublish answers every EVENT with a negative OK.
	RejectPublish bool
	// HandshakeDelay stalls every websocket upgrade.
	HandshakeDelay time.Duration
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeRelay) URL() string {
	return "ws" + strings.TrimPrefix(f.Server.URL, "http")
}

func (f *fakeRelay) Add(evts ...*nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evts...)
}

func (f *fakeRelay) Stored() []*nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*nostr.Event(nil), f.events...)
}

func (f *fakeRelay) Received(label string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.received {
		if l == label {
			n++
		}
	}
	return n
}

// Connections returns how many sockets the relay has accepted so far.
func (f *fakeRelay) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

// DropConnections closes every open socket from the server side.
func (f *fakeRelay) DropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		_ = conn.Close()
	}
}

func (f *fakeRelay) handler(w http.ResponseWriter, r *http.Request) {
	if f.HandshakeDelay > 0 {
		time.Sleep(f.HandshakeDelay)
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	if f.conns == nil {
		f.conns = make(map[*websocket.Conn]struct{})
	}
	f.conns[conn] = struct{}{}
	f.accepted++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.conns, conn)
		f.mu.Unlock()
		_ = conn.Close()
	}()
	var writeMu sync.Mutex
	send := func(v ...any) {
		data, _ := json.Marshal(v)
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		arr := gjson.ParseBytes(msg).Array()
		if len(arr) == 0 {
			continue
		}
		label := arr[0].String()
		f.mu.Lock()
		f.received = append(f.received, label)
		f.mu.Unlock()

		switch label {
		case "REQ":
			if len(arr) < 2 {
				continue
			}
			subID := arr[1].String()
			var filters []nostr.Filter
			for _, raw := range arr[2:] {
				var filter nostr.Filter
				if err := json.Unmarshal([]byte(raw.Raw), &filter); err == nil {
					filters = append(filters, filter)
				}
			}
			for _, evt := range f.Stored() {
				for _, filter := range filters {
					if filter.Matches(evt) {
						send("EVENT", subID, evt)
						break
					}
				}
			}
			if !f.SkipEOSE {
				send("EOSE", subID)
			}
		case "EVENT":
			if len(arr) < 2 {
				continue
			}
			var evt nostr.Event
			if err := json.Unmarshal([]byte(arr[1].Raw), &evt); err != nil {
				continue
			}
			if f.RejectPublish {
				send("OK", evt.ID, false, "blocked: test")
				continue
			}
			f.Add(&evt)
			send("OK", evt.ID, true, "")
		case "CLOSE":
		}
	}
}

func signedEvent(t *testing.T, kind int, content string, tags nostr.Tags) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	evt := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   content,
	}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return evt
}
