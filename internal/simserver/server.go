package simserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server is a local stand-in for the remote cloud functions: it implements the
// setUnit/updateLocation/checkStatus wire protocol against an in-memory unit
// registry and broadcasts accepted updates to /watch websocket subscribers.
type Server struct {
	tokens *TokenService
	logger *zap.Logger

	mu    sync.Mutex
	units map[string]*unitState

	upgrader websocket.Upgrader

	watchMu  sync.Mutex
	watchers map[*websocket.Conn]struct{}
}

type unitState struct {
	LoggedIn     bool
	LoginTime    time.Time
	LastActivity time.Time
	LastUpdate   *updateLocationRequest
}

type setUnitRequest struct {
	DeploymentCode string `json:"deploymentCode"`
	Action         string `json:"action"`
}

type locationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
}

type updateLocationRequest struct {
	DeploymentCode string          `json:"deploymentCode"`
	Location       locationPayload `json:"location"`
	BatteryStatus  int             `json:"batteryStatus"`
	Signal         string          `json:"signal"`
}

type checkStatusRequest struct {
	DeploymentCode string `json:"deploymentCode"`
}

// New returns a simserver with an empty registry.
func New(tokens *TokenService, logger *zap.Logger) *Server {
	return &Server{
		tokens:   tokens,
		logger:   logger,
		units:    make(map[string]*unitState),
		watchers: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // dev tool only
		},
	}
}

// Routes registers all endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/setUnit", s.requireToken(s.handleSetUnit))
	mux.HandleFunc("/updateLocation", s.requireToken(s.handleUpdateLocation))
	mux.HandleFunc("/checkStatus", s.handleCheckStatus)
	mux.HandleFunc("/watch", s.handleWatch)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.tokens.Validate(raw); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSetUnit(w http.ResponseWriter, r *http.Request) {
	var req setUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.DeploymentCode = strings.TrimSpace(req.DeploymentCode)
	if req.DeploymentCode == "" {
		writeError(w, http.StatusBadRequest, "deploymentCode is required")
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	unit := s.unitLocked(req.DeploymentCode)
	switch req.Action {
	case "login":
		unit.LoggedIn = true
		unit.LoginTime = now
		unit.LastActivity = now
	case "logout":
		unit.LoggedIn = false
		unit.LastActivity = now
	default:
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, "action must be login or logout")
		return
	}
	s.mu.Unlock()

	s.logger.Info("unit state changed",
		zap.String("deploymentCode", req.DeploymentCode),
		zap.String("action", req.Action))
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": req.Action + " ok"})
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req updateLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	unit := s.unitLocked(req.DeploymentCode)
	if !unit.LoggedIn {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "unit is not logged in")
		return
	}
	unit.LastActivity = time.Now().UTC()
	unit.LastUpdate = &req
	s.mu.Unlock()

	s.broadcast(req)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "location recorded"})
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	var req checkStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	unit := s.unitLocked(req.DeploymentCode)
	resp := map[string]interface{}{
		"isLoggedIn":   unit.LoggedIn,
		"loginTime":    unit.LoginTime,
		"lastActivity": unit.LastActivity,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("watch upgrade failed", zap.Error(err))
		return
	}

	s.watchMu.Lock()
	s.watchers[conn] = struct{}{}
	s.watchMu.Unlock()
	s.logger.Info("watcher connected", zap.String("remote", conn.RemoteAddr().String()))

	// Drain reads so close frames are processed; watchers only receive.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dropWatcher(conn)
				return
			}
		}
	}()
}

func (s *Server) dropWatcher(conn *websocket.Conn) {
	s.watchMu.Lock()
	delete(s.watchers, conn)
	s.watchMu.Unlock()
	_ = conn.Close()
}

// broadcast serializes websocket writes under watchMu; gorilla/websocket
// allows at most one concurrent writer per connection.
func (s *Server) broadcast(update updateLocationRequest) {
	s.watchMu.Lock()
	var failed []*websocket.Conn
	for conn := range s.watchers {
		if err := conn.WriteJSON(update); err != nil {
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		delete(s.watchers, conn)
		_ = conn.Close()
	}
	s.watchMu.Unlock()
}

func (s *Server) unitLocked(deploymentCode string) *unitState {
	unit, ok := s.units[deploymentCode]
	if !ok {
		unit = &unitState{}
		s.units[deploymentCode] = unit
	}
	return unit
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "message": message})
}

// TokenService mints and validates HS256 dev tokens.
type TokenService struct {
	secret []byte
}

// Claims is the JWT payload for dev tokens.
type Claims struct {
	Subject string `json:"sub_unit"`
	jwt.RegisteredClaims
}

// NewTokenService returns a token service for the given shared secret.
func NewTokenService(secret string) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token: secret is required")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

// Mint issues a dev token for a unit.
func (t *TokenService) Mint(subject string, expiresIn time.Duration) (string, error) {
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	now := time.Now().UTC()
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate verifies and decodes a dev token.
func (t *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("token: invalid claims")
}
