package serialmux

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/banshee-data/position.report/internal/monitoring"
)

// FrameSink accepts raw host protocol frames. engine.Engine satisfies it.
type FrameSink interface {
	IngestFrame(source string, frame []byte) error
}

// Gateway turns gateway lines into frames for a FrameSink and keeps the
// latest config values the gateway has reported.
type Gateway struct {
	sink   FrameSink
	source string

	mu        sync.Mutex
	state     map[string]any
	lastError string
}

// NewGateway returns a Gateway tagging frames it forwards with source.
func NewGateway(sink FrameSink, source string) *Gateway {
	return &Gateway{sink: sink, source: source, state: make(map[string]any)}
}

// HandleEvent processes one line. Report frames rejected by the sink are
// returned as errors; the caller decides whether to log them.
func (g *Gateway) HandleEvent(payload string) error {
	switch ClassifyPayload(payload) {
	case EventTypeReport:
		frame, err := ParseReportLine(payload)
		if err != nil {
			return err
		}
		if err := g.sink.IngestFrame(g.source, frame); err != nil {
			return fmt.Errorf("failed to ingest report frame: %w", err)
		}
	case EventTypeConfig:
		var values map[string]any
		if err := json.Unmarshal([]byte(payload), &values); err != nil {
			return fmt.Errorf("failed to unmarshal config line: %w", err)
		}
		g.mu.Lock()
		maps.Copy(g.state, values)
		g.mu.Unlock()
		monitoring.Logf("gateway config: %s", payload)
	case EventTypeError:
		msg := strings.TrimSpace(payload[2:])
		g.mu.Lock()
		g.lastError = msg
		g.mu.Unlock()
		monitoring.Logf("gateway error: %s", msg)
	case EventTypeInfo:
		monitoring.Debugf("gateway: %s", strings.TrimSpace(payload[2:]))
	default:
		monitoring.Debugf("unknown gateway line: %q", payload)
	}
	return nil
}

// State returns a copy of the config values reported so far.
func (g *Gateway) State() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return maps.Clone(g.state)
}

// LastError returns the most recent E: line, without its prefix.
func (g *Gateway) LastError() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastError
}

// Run subscribes to mux and handles lines until ctx is done or the mux
// closes the subscription.
func (g *Gateway) Run(ctx context.Context, mux SerialMuxInterface) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := g.HandleEvent(line); err != nil {
				monitoring.Debugf("gateway line dropped: %v", err)
			}
		}
	}
}
