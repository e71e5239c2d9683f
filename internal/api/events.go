package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/position.report/internal/httputil"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/stream"
)

// streamBuffer is the per-client event buffer. Clients that fall further
// behind lose events.
const streamBuffer = 256

// parseTags reads ?tag= values, repeated or comma separated.
func parseTags(r *http.Request) ([]uint16, error) {
	var tags []uint16
	for _, v := range r.URL.Query()["tag"] {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			id, err := httputil.ParseID(s)
			if err != nil {
				return nil, err
			}
			tags = append(tags, id)
		}
	}
	return tags, nil
}

// streamEvents serves fix and lost events as Server-Sent Events. With
// ?format=frame each fix is sent as the hex encoded binary frame.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	tags, err := parseTags(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	if format != "" && format != "json" && format != "frame" {
		httputil.BadRequest(w, "invalid 'format' parameter: must be json or frame")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	id, events, err := s.engine.Stream().Subscribe(streamBuffer, tags...)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer func() {
		if n := s.engine.Stream().Dropped(id); n > 0 {
			monitoring.Logf("stream client %s dropped %d events", id, n)
		}
		s.engine.Stream().Unsubscribe(id)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": subscribed %s\n\n", id)
	flusher.Flush()

	heartbeat := s.clock.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C():
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := encodeEvent(ev, format)
			if err != nil {
				monitoring.Logf("stream: failed to encode event for tag %d: %v", ev.TagID, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

func encodeEvent(ev stream.Event, format string) (string, error) {
	if format == "frame" && ev.Kind == stream.KindFix {
		frame, err := ev.Fix.Encode()
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(frame), nil
	}
	b, err := json.Marshal(fixToJSON(ev.Fix))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
