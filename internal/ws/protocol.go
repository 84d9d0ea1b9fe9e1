package ws

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Frame event names.
const (
	EventReady       = "ready"
	EventLiveLogs    = "live-logs"
	EventBuildStatus = "build-status"
	EventError       = "error"
	EventJoin        = "join"
	EventJoinLegacy  = "project/join-live-build"
	EventLeave       = "leave"
)

// ErrBadFrame is returned for frames that cannot be decoded.
var ErrBadFrame = errors.New("ws: malformed frame")

// Frame is the JSON envelope exchanged in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ReadyData answers a successful authentication.
type ReadyData struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// EncodingBase64 marks a log message whose bytes were not valid UTF-8.
const EncodingBase64 = "base64"

// LogData carries one opaque worker log line. Lines that are not valid UTF-8
// are sent base64 encoded with Encoding set, so the bytes arrive intact.
type LogData struct {
	Project  string `json:"project"`
	Message  string `json:"message"`
	Encoding string `json:"encoding,omitempty"`
}

// NewLogData wraps a raw log line for projectID.
func NewLogData(projectID string, line []byte) LogData {
	if utf8.Valid(line) {
		return LogData{Project: projectID, Message: string(line)}
	}
	return LogData{Project: projectID, Message: base64.StdEncoding.EncodeToString(line), Encoding: EncodingBase64}
}

// Bytes returns the original log line.
func (d LogData) Bytes() ([]byte, error) {
	if d.Encoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(d.Message)
	}
	return []byte(d.Message), nil
}

// StatusData reports a build stage change.
type StatusData struct {
	Project string `json:"project"`
	Build   string `json:"build"`
	Stage   string `json:"stage"`
}

// ErrorData describes a rejected request.
type ErrorData struct {
	Message string `json:"message"`
}

// EncodeFrame marshals an outbound frame.
func EncodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s frame: %w", event, err)
		}
		raw = encoded
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// DecodeFrame parses an inbound frame.
func DecodeFrame(payload []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	frame.Event = strings.TrimSpace(frame.Event)
	if frame.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrBadFrame)
	}
	return frame, nil
}

// ProjectID extracts the project of a join frame. Data is either a bare
// string or an object with a "project" field.
func (f Frame) ProjectID() (string, error) {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 {
		return "", fmt.Errorf("%w: missing project", ErrBadFrame)
	}
	var id string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	} else {
		var obj struct {
			Project string `json:"project"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		id = obj.Project
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: missing project", ErrBadFrame)
	}
	return id, nil
}
