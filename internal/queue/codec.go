package queue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/splax/statikk/internal/domain"
)

// Header names of the wire contract.
const (
	HeaderAction       = "action"
	HeaderRepositoryID = "repository-id"
	HeaderRepository   = "repository"
	HeaderStatus       = "status"
)

var (
	// ErrMalformedEvent marks an event that cannot be attributed or parsed.
	ErrMalformedEvent = errors.New("queue: malformed event")
	// ErrInvalidCommand marks a command that cannot be encoded.
	ErrInvalidCommand = errors.New("queue: invalid command")
)

// Event is a decoded worker event.
type Event struct {
	Kind      EventKind
	ProjectID string
	Stage     domain.Stage
	Payload   []byte
}

// EncodeCommand renders cmd into message headers. Commands carry no body.
func EncodeCommand(cmd Command) (map[string]string, error) {
	projectID := strings.TrimSpace(cmd.ProjectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: missing project id", ErrInvalidCommand)
	}
	headers := map[string]string{
		HeaderAction:       string(cmd.Action),
		HeaderRepositoryID: projectID,
	}
	switch cmd.Action {
	case ActionStart:
		if strings.TrimSpace(cmd.Repository) == "" {
			return nil, fmt.Errorf("%w: start requires a repository", ErrInvalidCommand)
		}
		headers[HeaderRepository] = cmd.Repository
	case ActionStop:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, cmd.Action)
	}
	return headers, nil
}

// DecodeCommand is the worker side of EncodeCommand. It is used by the
// in-memory broker and tests to inspect published commands.
func DecodeCommand(headers map[string]string) (Command, error) {
	cmd := Command{
		Action:     Action(headers[HeaderAction]),
		ProjectID:  headers[HeaderRepositoryID],
		Repository: headers[HeaderRepository],
	}
	if _, err := EncodeCommand(cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// DecodeEvent classifies a delivery. A status header makes it a status event;
// anything else is a log line whose body is passed through untouched.
func DecodeEvent(d *Delivery) (Event, error) {
	if d == nil {
		return Event{}, fmt.Errorf("%w: nil delivery", ErrMalformedEvent)
	}
	projectID := strings.TrimSpace(d.Headers[HeaderRepository])
	if projectID == "" {
		return Event{}, fmt.Errorf("%w: missing %s header", ErrMalformedEvent, HeaderRepository)
	}
	raw, isStatus := d.Headers[HeaderStatus]
	if !isStatus {
		return Event{Kind: EventLog, ProjectID: projectID, Payload: d.Body}, nil
	}
	stage, ok := domain.ParseStage(raw)
	if !ok {
		return Event{}, fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, raw)
	}
	return Event{Kind: EventStatus, ProjectID: projectID, Stage: stage}, nil
}

// EncodeEvent is the inverse of DecodeEvent, used to emit events from
// in-process workers and tests.
func EncodeEvent(ev Event) (map[string]string, []byte) {
	headers := map[string]string{HeaderRepository: ev.ProjectID}
	if ev.Kind == EventStatus {
		headers[HeaderStatus] = string(ev.Stage)
		return headers, nil
	}
	return headers, ev.Payload
}
