// Copyright 2024-2026 Aiku AI

package relaypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Direct queries one relay over a dedicated socket, bypassing the pool.
// It is the last-resort path when pooled connections are misbehaving.
type Direct struct {
	log    zerolog.Logger
	dialer *websocket.Dialer
}

func NewDirect(log zerolog.Logger) *Direct {
	return &Direct{
		log: log.With().Str("component", "relay_direct").Logger(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

// Query sends one REQ and collects events until EOSE, CLOSED or the
// timeout. A timeout is not an error: whatever arrived is returned.
func (d *Direct) Query(ctx context.Context, url string, filter nostr.Filter, timeout time.Duration) ([]*nostr.Event, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := d.dialer.DialContext(qctx, url, nil)
	if err != nil {
		return nil, &NetworkError{Relay: url, Op: "dial", Err: err}
	}
	defer conn.Close()
	if deadline, ok := qctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	// Unblock ReadMessage if the parent context is cancelled early.
	stop := context.AfterFunc(qctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	subID := "direct-" + uuid.NewString()[:8]
	req, err := json.Marshal([]any{"REQ", subID, filter})
	if err != nil {
		return nil, fmt.Errorf("failed to encode REQ: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return nil, &NetworkError{Relay: url, Op: "write", Err: err}
	}

	var events []*nostr.Event
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				d.log.Debug().Str("relay", url).Int("events", len(events)).Msg("Direct query timed out")
				return events, nil
			}
			if len(events) > 0 {
				return events, nil
			}
			return nil, &NetworkError{Relay: url, Op: "read", Err: err}
		}

		switch label := gjson.GetBytes(msg, "0").String(); label {
		case "EVENT":
			if gjson.GetBytes(msg, "1").String() != subID {
				continue
			}
			var evt nostr.Event
			if err := json.Unmarshal([]byte(gjson.GetBytes(msg, "2").Raw), &evt); err != nil {
				d.log.Debug().Err(err).Str("relay", url).Msg("Dropping undecodable event")
				continue
			}
			if !filter.Matches(&evt) {
				continue
			}
			events = append(events, &evt)
		case "EOSE":
			if gjson.GetBytes(msg, "1").String() != subID {
				continue
			}
			closeMsg, _ := json.Marshal([]any{"CLOSE", subID})
			_ = conn.WriteMessage(websocket.TextMessage, closeMsg)
			return events, nil
		case "CLOSED":
			if gjson.GetBytes(msg, "1").String() != subID {
				continue
			}
			reason := gjson.GetBytes(msg, "2").String()
			if len(events) > 0 {
				return events, nil
			}
			return nil, &NetworkError{Relay: url, Op: "query", Err: fmt.Errorf("subscription closed: %s", reason)}
		case "NOTICE":
			d.log.Debug().Str("relay", url).Str("notice", gjson.GetBytes(msg, "1").String()).Msg("Relay notice")
		default:
			d.log.Trace().Str("relay", url).Str("label", label).Msg("Ignoring relay message")
		}
	}
}
