package ws

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/splax/statikk/internal/domain"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrUnauthenticated is returned when credentials are missing or invalid.
	ErrUnauthenticated = errors.New("ws: unauthenticated")
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("ws: session closed")
)

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.User, error)
}

// ProjectLookup fetches projects for ownership checks.
type ProjectLookup interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
}

// closeNotifier is implemented by subscribers that can be closed from
// outside the session, such as by the hub after a failed send.
type closeNotifier interface {
	Done() <-chan struct{}
}

// Session tracks one live viewer: who it is and which project it follows.
type Session struct {
	mu       sync.Mutex
	state    State
	user     *domain.User
	project  string
	sub      Subscriber
	hub      *Hub
	auth     Authenticator
	projects ProjectLookup
	logger   *slog.Logger
}

// NewSession creates an unauthenticated session for sub.
func NewSession(sub Subscriber, hub *Hub, auth Authenticator, projects ProjectLookup, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		state:    StateUnauthenticated,
		sub:      sub,
		hub:      hub,
		auth:     auth,
		projects: projects,
		logger:   logger.With("component", "live_session"),
	}
}

// Authenticate validates token. Failure closes the session.
func (s *Session) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	s.mu.Lock()
	if s.state != StateUnauthenticated {
		defer s.mu.Unlock()
		if s.state == StateClosed {
			return nil, ErrSessionClosed
		}
		return s.user, nil
	}
	s.mu.Unlock()

	var user *domain.User
	err := ErrUnauthenticated
	if strings.TrimSpace(token) != "" && s.auth != nil {
		user, err = s.auth.Authenticate(ctx, token)
	}
	if err != nil || user == nil {
		s.reply(EventError, ErrorData{Message: "authentication failed"})
		s.Close()
		if err == nil {
			err = ErrUnauthenticated
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, ErrSessionClosed
	}
	s.user = user
	s.state = StateAuthenticated
	return user, nil
}

// Join subscribes the session to projectID if the user owns it. Denials are
// silent: the state is unchanged and false is returned.
func (s *Session) Join(ctx context.Context, projectID string) bool {
	projectID = strings.TrimSpace(projectID)
	s.mu.Lock()
	if s.state != StateAuthenticated && s.state != StateJoined {
		s.mu.Unlock()
		return false
	}
	userID := s.user.ID
	s.mu.Unlock()

	if projectID == "" {
		return false
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil || project == nil || !project.OwnedBy(userID) {
		s.logger.Debug("join denied", "project_id", projectID, "user_id", userID)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	if s.subClosed() || !s.hub.Join(projectID, s.sub) {
		return false
	}
	s.project = projectID
	s.state = StateJoined
	return true
}

// Leave drops the current project subscription.
func (s *Session) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return
	}
	s.hub.Leave(s.sub)
	s.project = ""
	s.state = StateAuthenticated
}

// Close unregisters the subscriber and closes it. Closed is terminal.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.project = ""
	if s.hub != nil {
		s.hub.Remove(s.sub)
		return
	}
	s.sub.Close()
}

// State returns the current lifecycle state. A subscriber closed elsewhere
// reports StateClosed even before Close runs.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subClosed() {
		return StateClosed
	}
	return s.state
}

// Project returns the joined project, or "".
func (s *Session) Project() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subClosed() {
		return ""
	}
	return s.project
}

func (s *Session) subClosed() bool {
	n, ok := s.sub.(closeNotifier)
	if !ok {
		return false
	}
	select {
	case <-n.Done():
		return true
	default:
		return false
	}
}

// HandleFrame applies one inbound client frame.
func (s *Session) HandleFrame(ctx context.Context, payload []byte) {
	frame, err := DecodeFrame(payload)
	if err != nil {
		s.reply(EventError, ErrorData{Message: "malformed frame"})
		return
	}
	switch frame.Event {
	case EventJoin, EventJoinLegacy:
		projectID, err := frame.ProjectID()
		if err != nil {
			s.reply(EventError, ErrorData{Message: "project id required"})
			return
		}
		s.Join(ctx, projectID)
	case EventLeave:
		s.Leave()
	default:
		s.reply(EventError, ErrorData{Message: "unknown event " + frame.Event})
	}
}

func (s *Session) reply(event string, data any) {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		return
	}
	_ = s.sub.Send(frame)
}

// Serve reads frames of an authenticated connection until the peer goes
// away, then closes the session. The client's WritePump must be running.
func Serve(ctx context.Context, client *Client, session *Session) {
	client.ReadPump(func(payload []byte) {
		session.HandleFrame(ctx, payload)
	})
	session.Close()
}
