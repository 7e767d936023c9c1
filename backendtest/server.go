package backendtest

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goAuthClient/jwt"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// DeactivatedMessage is the 403 message sent for deactivated accounts.
const DeactivatedMessage = "Tu cuenta ha sido desactivada"

// Options tunes the fake backend.
type Options struct {
	// AccessTTL is the lifetime of issued access tokens. Default 15m.
	AccessTTL time.Duration
	// WrapData wraps every success body in {"data": ...}.
	WrapData bool
	// OmitExpiresAt leaves expiresAt out so clients derive it from the token.
	OmitExpiresAt bool
	// EpochExpiry sends expiresAt as epoch milliseconds instead of RFC 3339.
	EpochExpiry bool
	// RotateRefresh issues a new refresh token on every refresh.
	RotateRefresh bool
	// RegisterPending answers registrations with the user only.
	RegisterPending bool
	// BcryptCost defaults to bcrypt.MinCost.
	BcryptCost int
}

type account struct {
	id          int64
	email       string
	name        string
	role        string
	hash        []byte
	deactivated bool
}

func (a *account) view() map[string]any {
	return map[string]any{
		"id":    a.id,
		"email": a.email,
		"name":  a.name,
		"role":  a.role,
	}
}

// Server is an in-process implementation of the /auth/* contract plus one
// protected resource at /api/groups.
type Server struct {
	opts   Options
	tokens *jwt.Manager
	srv    *httptest.Server

	mu      sync.Mutex
	nextID  int64
	byEmail map[string]*account
	byID    map[int64]*account
	refresh map[string]int64
	live    map[string]struct{}

	unavailable atomic.Bool
	gate        chan struct{}
	entered     chan struct{}

	loginCalls   atomic.Int64
	refreshCalls atomic.Int64
	meCalls      atomic.Int64
	logoutCalls  atomic.Int64
}

// New starts a Server. Close it when done.
func New(opts Options) (*Server, error) {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.MinCost
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	tokens, err := jwt.NewManager(jwt.Config{
		AccessTTL:     opts.AccessTTL,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    secret,
		Issuer:        "backendtest",
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:    opts,
		tokens:  tokens,
		byEmail: make(map[string]*account),
		byID:    make(map[int64]*account),
		refresh: make(map[string]int64),
		live:    make(map[string]struct{}),
	}
	s.srv = httptest.NewServer(s.Handler())
	return s, nil
}

// Handler returns the chi router without starting a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.availability)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
		r.With(s.bearer).Get("/me", s.handleMe)
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(s.bearer)
		r.Get("/groups", s.handleGroups)
		r.Post("/groups", s.handleCreateGroup)
	})
	return r
}

func (s *Server) URL() string { return s.srv.URL }

func (s *Server) Close() {
	s.mu.Lock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
	s.mu.Unlock()
	s.srv.Close()
}

// AddUser registers an active account and returns its id.
func (s *Server) AddUser(email, password, name string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := s.byEmail[key]; ok {
		return 0, errors.New("backendtest: email already registered")
	}
	s.nextID++
	a := &account{id: s.nextID, email: email, name: name, role: "member", hash: hash}
	s.byEmail[key] = a
	s.byID[a.id] = a
	return a.id, nil
}

// Deactivate flags the account; its tokens stop working with a 403.
func (s *Server) Deactivate(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.byEmail[strings.ToLower(email)]; ok {
		a.deactivated = true
	}
}

// ExpireAccessTokens makes every issued access token answer 401.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = make(map[string]struct{})
}

// RevokeRefreshTokens makes every issued refresh token answer 401.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]int64)
}

// SetUnavailable makes every endpoint answer 503 while on.
func (s *Server) SetUnavailable(on bool) {
	s.unavailable.Store(on)
}

// BlockRefresh holds refresh requests until release is called. entered
// receives once per refresh request that reached the gate.
func (s *Server) BlockRefresh() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{}, 64)

	s.mu.Lock()
	s.gate = gate
	s.entered = in
	s.mu.Unlock()

	return in, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gate == gate {
			close(gate)
			s.gate = nil
			s.entered = nil
		}
	}
}

func (s *Server) LoginCalls() int64   { return s.loginCalls.Load() }
func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }
func (s *Server) MeCalls() int64      { return s.meCalls.Load() }
func (s *Server) LogoutCalls() int64  { return s.logoutCalls.Load() }

// IssueSession mints a token pair for an existing account without a login
// request, for seeding persisted sessions.
func (s *Server) IssueSession(email string) (access, refresh string, expiresAt time.Time, err error) {
	s.mu.Lock()
	a, ok := s.byEmail[strings.ToLower(email)]
	s.mu.Unlock()
	if !ok {
		return "", "", time.Time{}, errors.New("backendtest: unknown account")
	}
	return s.issue(a, true)
}

func (s *Server) issue(a *account, withRefresh bool) (string, string, time.Time, error) {
	access, exp, err := s.tokens.Sign(a.id, a.email, a.role, 0)
	if err != nil {
		return "", "", time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[access] = struct{}{}
	var rt string
	if withRefresh {
		rt = uuid.NewString()
		s.refresh[rt] = a.id
	}
	return access, rt, exp, nil
}

func (s *Server) grant(a *account, access, refresh string, exp time.Time, withUser bool) map[string]any {
	out := map[string]any{"token": access}
	if refresh != "" {
		out["refreshToken"] = refresh
	}
	switch {
	case s.opts.OmitExpiresAt:
	case s.opts.EpochExpiry:
		out["expiresAt"] = exp.UnixMilli()
	default:
		out["expiresAt"] = exp.UTC().Format(time.RFC3339)
	}
	if withUser {
		out["user"] = a.view()
	}
	return out
}

// -------- HANDLERS --------

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)

	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	s.mu.Lock()
	a, ok := s.byEmail[strings.ToLower(in.Email)]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(a.hash, []byte(in.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Credenciales inválidas")
		return
	}
	if s.isDeactivated(a) {
		writeError(w, http.StatusForbidden, DeactivatedMessage)
		return
	}

	access, rt, exp, err := s.issue(a, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	s.write(w, http.StatusOK, s.grant(a, access, rt, exp, true))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	name := in.Name
	if name == "" {
		name = in.Email
	}

	id, err := s.AddUser(in.Email, in.Password, name)
	if err != nil {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	s.mu.Lock()
	a := s.byID[id]
	s.mu.Unlock()

	if s.opts.RegisterPending {
		s.write(w, http.StatusCreated, map[string]any{"user": a.view()})
		return
	}
	access, rt, exp, err := s.issue(a, true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	s.write(w, http.StatusCreated, s.grant(a, access, rt, exp, true))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	s.mu.Lock()
	gate, entered := s.gate, s.entered
	s.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	id, ok := s.refresh[in.RefreshToken]
	a := s.byID[id]
	s.mu.Unlock()
	if !ok || a == nil {
		writeError(w, http.StatusUnauthorized, "Sesión expirada")
		return
	}
	if s.isDeactivated(a) {
		writeError(w, http.StatusForbidden, DeactivatedMessage)
		return
	}

	access, rt, exp, err := s.issue(a, s.opts.RotateRefresh)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	if rt != "" {
		s.mu.Lock()
		delete(s.refresh, in.RefreshToken)
		s.mu.Unlock()
	}
	s.write(w, http.StatusOK, s.grant(a, access, rt, exp, false))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutCalls.Add(1)

	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	if in.RefreshToken != "" {
		s.mu.Lock()
		delete(s.refresh, in.RefreshToken)
		s.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.meCalls.Add(1)
	a := accountFrom(r)
	s.write(w, http.StatusOK, map[string]any{"user": a.view()})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	a := accountFrom(r)
	s.write(w, http.StatusOK, map[string]any{
		"groups": []map[string]any{
			{"id": 1, "name": "Algebra", "owner": a.id},
			{"id": 2, "name": "Physics", "owner": a.id},
		},
	})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var in map[string]any
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	in["id"] = 3
	in["owner"] = accountFrom(r).id
	s.write(w, http.StatusCreated, in)
}

// -------- MIDDLEWARE --------

type accountKey struct{}

func accountFrom(r *http.Request) *account {
	a, _ := r.Context().Value(accountKey{}).(*account)
	return a
}

func (s *Server) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.unavailable.Load() {
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		claims, err := s.tokens.Parse(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		s.mu.Lock()
		_, live := s.live[token]
		a := s.byID[claims.UserID()]
		s.mu.Unlock()
		if !live || a == nil {
			writeError(w, http.StatusUnauthorized, "token expired")
			return
		}
		if s.isDeactivated(a) {
			writeError(w, http.StatusForbidden, DeactivatedMessage)
			return
		}

		ctx := context.WithValue(r.Context(), accountKey{}, a)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) isDeactivated(a *account) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return a.deactivated
}

func (s *Server) write(w http.ResponseWriter, status int, body any) {
	if s.opts.WrapData {
		body = map[string]any{"data": body}
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": status, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
