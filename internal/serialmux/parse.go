package serialmux

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Gateway line prefixes.
const (
	EventTypeReport  = "report"
	EventTypeInfo    = "info"
	EventTypeError   = "error"
	EventTypeConfig  = "config"
	EventTypeUnknown = "unknown"
)

var ErrNotReport = errors.New("not a report line")

// ClassifyPayload returns the event type of one gateway line.
func ClassifyPayload(payload string) string {
	switch {
	case strings.HasPrefix(payload, "R:"):
		return EventTypeReport
	case strings.HasPrefix(payload, "I:"):
		return EventTypeInfo
	case strings.HasPrefix(payload, "E:"):
		return EventTypeError
	case strings.HasPrefix(payload, "{"):
		return EventTypeConfig
	}
	return EventTypeUnknown
}

// ParseReportLine decodes the hex frame carried by an R: line. The frame
// itself is not validated here.
func ParseReportLine(line string) ([]byte, error) {
	if ClassifyPayload(line) != EventTypeReport {
		return nil, ErrNotReport
	}
	frame, err := hex.DecodeString(strings.TrimSpace(line[2:]))
	if err != nil {
		return nil, fmt.Errorf("report line: %w", err)
	}
	return frame, nil
}

// FormatReportLine is the inverse of ParseReportLine.
func FormatReportLine(frame []byte) string {
	return "R:" + hex.EncodeToString(frame)
}
