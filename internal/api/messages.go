// Package api holds the WebSocket message envelopes.
package api

import (
	"github.com/skobkin/nvgputop-web/internal/gpu"
	"github.com/skobkin/nvgputop-web/internal/sampler"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type           string          `json:"type"`
	IntervalMS     int             `json:"interval_ms"`
	ActiveWindowMS int             `json:"active_window_ms"`
	GPUs           []gpu.Info      `json:"gpus"`
	Features       map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS, activeWindowMS int, gpus []gpu.Info, features map[string]bool) HelloMessage {
	if gpus == nil {
		gpus = []gpu.Info{}
	}
	return HelloMessage{
		Type:           "hello",
		IntervalMS:     intervalMS,
		ActiveWindowMS: activeWindowMS,
		GPUs:           gpus,
		Features:       features,
	}
}

// StatsMessage wraps the live stats for transport.
type StatsMessage struct {
	Type string `json:"type"`
	sampler.Stats
}

// NewStatsMessage constructs a stats payload.
func NewStatsMessage(stats sampler.Stats) StatsMessage {
	return StatsMessage{
		Type:  "stats",
		Stats: stats,
	}
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
