package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Phase is the connection lifecycle state.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// State is a snapshot of the manager's reconnect bookkeeping. It is owned
// exclusively by the Manager; consumers only read it through State().
type State struct {
	Phase             Phase
	ReconnectAttempts int
	CurrentBackoff    time.Duration
}

// ProbeResult is the provider's answer to a capability probe.
type ProbeResult struct {
	Granted  bool
	Channels []string
	Reason   string
}

// AccessProber performs the out-of-band capability check that gates every
// realtime connection attempt.
type AccessProber interface {
	ProbeAccess(ctx context.Context) (ProbeResult, error)
}

// Callback receives every inbound frame for a subscribed channel.
type Callback func(channel string, payload json.RawMessage)

var (
	// ErrAccessDenied means the capability probe refused realtime scope.
	// Permanent: the caller must fall back to polling, no retries.
	ErrAccessDenied = errors.New("realtime access denied")

	// ErrRetriesExhausted means reconnection was abandoned after the
	// configured number of consecutive failures. Treated as permanent for
	// the remainder of the process lifetime.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// ErrClosed means the manager was explicitly disconnected.
	ErrClosed = errors.New("stream manager closed")
)

// controlFrame is the provider's subscribe/unsubscribe wire shape.
type controlFrame struct {
	Type    string `json:"type"` // "subscribe" | "unsubscribe"
	Channel string `json:"channel"`
}

// parseFrame extracts the channel tag and payload from an inbound data
// frame. The provider sends either a two-element array ["channel", payload]
// or an object wrapper carrying the same two fields.
func parseFrame(data []byte) (string, json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 2 {
			return "", nil, errors.New("frame array must have exactly two elements")
		}
		var channel string
		if err := json.Unmarshal(arr[0], &channel); err != nil {
			return "", nil, errors.New("frame channel is not a string")
		}
		return channel, arr[1], nil
	}

	var obj struct {
		Channel string          `json:"channel"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &obj); err != nil || obj.Channel == "" {
		return "", nil, errors.New("unrecognized frame shape")
	}
	return obj.Channel, obj.Payload, nil
}
