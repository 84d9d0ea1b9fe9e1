package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/splax/statikk/internal/metrics"
	"github.com/splax/statikk/internal/service/auth"
	"github.com/splax/statikk/internal/service/build"
	"github.com/splax/statikk/internal/service/project"
	"github.com/splax/statikk/internal/ws"
	"github.com/splax/statikk/pkg/crypto"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(context.Context) error

// Dependencies bundles what the router serves.
type Dependencies struct {
	Logger   *slog.Logger
	Auth     auth.Service
	Projects project.Service
	Builds   build.Dispatcher
	Hub      *ws.Hub
	Metrics  *metrics.Metrics
	Limiter  RateLimiter
	Health   map[string]HealthCheck
	// LiveProjects resolves projects for live join ownership checks.
	LiveProjects ws.ProjectLookup
	// WSSendBuffer bounds frames queued per live connection.
	WSSendBuffer int
	// TrustedProxies are the peers allowed to report the client address in
	// X-Forwarded-For. Empty means the header is ignored.
	TrustedProxies []netip.Prefix
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	projects project.Service
	builds   build.Dispatcher
	hub      *ws.Hub
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	limiter  RateLimiter
	health   map[string]HealthCheck
	live     ws.ProjectLookup
	wsBuffer int
	proxies  []netip.Prefix
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitBuilds    = 30
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Dependencies) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   deps.Logger,
		auth:     deps.Auth,
		projects: deps.Projects,
		builds:   deps.Builds,
		hub:      deps.Hub,
		metrics:  deps.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  deps.Limiter,
		health:   deps.Health,
		live:     deps.LiveProjects,
		wsBuffer: deps.WSSendBuffer,
		proxies:  deps.TrustedProxies,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", r.metrics.Handler())

	r.route("/auth/signup", r.limit(rateRule{route: "/auth/signup", limit: rateLimitSignup, window: rateWindowDefault}, r.handleSignup))
	r.route("/auth/login", r.limit(rateRule{route: "/auth/login", limit: rateLimitLogin, window: rateWindowDefault}, r.handleLogin))
	r.route("/auth/refresh", r.limit(rateRule{route: "/auth/refresh", limit: rateLimitLogin, window: rateWindowDefault}, r.handleRefresh))
	r.route("/user", r.authed(rateRule{route: "/user", limit: rateLimitUserRead, window: rateWindowDefault}, r.handleCurrentUser))
	r.route("/projects", r.authed(rateRule{route: "/projects", limit: rateLimitUserWrite, window: rateWindowDefault}, r.handleProjects))
	r.route("/projects/{id}", r.authed(rateRule{route: "/projects/{id}", limit: rateLimitUserWrite, window: rateWindowDefault}, r.handleProjectSubroutes))
	r.route("/build/start", r.authed(rateRule{route: "/build/start", limit: rateLimitBuilds, window: rateWindowDefault}, r.handleBuildStart))
	r.route("/build/stop", r.authed(rateRule{route: "/build/stop", limit: rateLimitBuilds, window: rateWindowDefault}, r.handleBuildStop))
	r.route("/ws/live", r.limit(rateRule{route: "/ws/live", limit: rateLimitWebsocket, window: rateWindowRealtime}, r.handleLiveWS))
}

// route mounts handler under pattern; "{id}" segments become a subtree prefix.
func (r *Router) route(pattern string, handler http.HandlerFunc) {
	path := pattern
	if i := strings.Index(path, "{"); i >= 0 {
		path = path[:i]
	}
	r.mux.HandleFunc(path, r.audit(pattern, handler))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailTaken):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, crypto.ErrPasswordTooShort):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			r.internalError(w, req, "signup failed", err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"tokens": tokens,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.internalError(w, req, "login failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"tokens": tokens,
	})
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	user, tokens, err := r.auth.Refresh(req.Context(), payload.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenRequired) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		r.internalError(w, req, "token refresh failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
		},
		"tokens": tokens,
	})
}

func (r *Router) handleCurrentUser(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, info.User)
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		projects, err := r.projects.ListByOwner(req.Context(), info.UserID)
		if err != nil {
			r.internalError(w, req, "list projects failed", err)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPut, http.MethodPost:
		var payload struct {
			Name       string `json:"name"`
			Repository string `json:"repository"`
		}
		if !decodeJSON(w, req, &payload) {
			return
		}
		proj, err := r.projects.Create(req.Context(), project.CreateInput{
			OwnerID: info.UserID,
			Name:    payload.Name,
			RepoURL: payload.Repository,
		})
		if err != nil {
			r.writeProjectError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, proj)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleProject(w, req, projectID)
	case len(parts) == 2 && parts[1] == "builds":
		r.handleProjectBuilds(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodGet:
		proj, err := r.projects.Get(req.Context(), projectID, info.UserID)
		if err != nil {
			r.writeProjectError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, proj)
	case http.MethodDelete:
		var payload struct {
			Name string `json:"name"`
		}
		if !decodeJSON(w, req, &payload) {
			return
		}
		if err := r.projects.Delete(req.Context(), projectID, info.UserID, payload.Name); err != nil {
			r.writeProjectError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectBuilds(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	builds, err := r.builds.ListBuilds(req.Context(), projectID, info.UserID)
	if err != nil {
		r.writeBuildError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

func (r *Router) handleBuildStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	projectID := strings.TrimSpace(req.URL.Query().Get("project"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project query parameter required")
		return
	}
	b, err := r.builds.StartBuild(req.Context(), projectID, info.UserID)
	if err != nil {
		r.writeBuildError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (r *Router) handleBuildStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.authInfo(w, req)
	if !ok {
		return
	}
	buildID := strings.TrimSpace(req.URL.Query().Get("id"))
	if buildID == "" {
		writeError(w, http.StatusBadRequest, "id query parameter required")
		return
	}
	b, err := r.builds.StopBuild(req.Context(), buildID, info.UserID)
	if err != nil {
		r.writeBuildError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (r *Router) handleLiveWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil || r.live == nil {
		writeError(w, http.StatusServiceUnavailable, "live updates unavailable")
		return
	}
	token := liveToken(req)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	// The request context ends when this handler returns.
	ctx := context.WithoutCancel(req.Context())
	client := ws.NewClient(conn, r.wsBuffer, r.logger)
	go client.WritePump()

	session := ws.NewSession(client, r.hub, r.auth, r.live, r.logger)
	user, err := session.Authenticate(ctx, token)
	if err != nil {
		r.logger.Warn("live connection rejected", "error", err)
		return
	}
	ready, err := ws.EncodeFrame(ws.EventReady, ws.ReadyData{ID: user.ID, Email: user.Email})
	if err == nil {
		_ = client.Send(ready)
	}
	r.metrics.ConnectionOpened()
	go func() {
		defer r.metrics.ConnectionClosed()
		ws.Serve(ctx, client, session)
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	names := make([]string, 0, len(r.health))
	for name := range r.health {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := r.health[name](ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	components["build_dispatch"] = map[string]any{"available": build.Available(r.builds)}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) authInfo(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
	}
	return info, ok
}

func (r *Router) writeProjectError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, project.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, project.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, project.ErrNameMismatch):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, project.ErrNameTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, project.ErrInvalidName), errors.Is(err, project.ErrInvalidRepoURL):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.internalError(w, req, "project request failed", err)
	}
}

func (r *Router) writeBuildError(w http.ResponseWriter, req *http.Request, err error) {
	var dispatchErr *build.DispatchError
	switch {
	case errors.As(err, &dispatchErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": build.ErrDispatchFailed.Error(),
			"build": dispatchErr.Build,
		})
	case errors.Is(err, build.ErrProjectNotFound), errors.Is(err, build.ErrBuildNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, build.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, build.ErrNotRunning):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, build.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, build.ErrDispatchFailed):
		writeError(w, http.StatusBadGateway, build.ErrDispatchFailed.Error())
	case errors.Is(err, build.ErrDispatchUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		r.internalError(w, req, "build request failed", err)
	}
}

func (r *Router) internalError(w http.ResponseWriter, req *http.Request, msg string, err error) {
	r.logger.Error(msg, "error", err, "path", req.URL.Path)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if recorder.hijacked {
			status = http.StatusSwitchingProtocols
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.ObserveRequest(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := r.clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int
	hijacked bool
	ctx      context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.hijacked = true
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// clientIP returns the peer address, unless the peer is a trusted proxy. Then
// X-Forwarded-For is walked from the right and the first untrusted hop wins.
func (r *Router) clientIP(req *http.Request) string {
	remote := strings.TrimSpace(req.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if len(r.proxies) == 0 || !r.trusted(remote) {
		return remote
	}
	hops := strings.Split(req.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !r.trusted(hop) {
			return hop
		}
		remote = hop
	}
	return remote
}

func (r *Router) trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range r.proxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
