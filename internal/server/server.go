package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storefront/internal/app"
	"storefront/internal/ratelimit"
	"storefront/internal/util"
	"storefront/pkg/domain"
	"storefront/pkg/reactive"
)

const (
	maxBodyBytes  = 1 << 20
	snapshotWait  = 10 * time.Second
	heartbeatTick = 15 * time.Second
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// AllowedOrigin is the CORS origin; "*" when empty.
	AllowedOrigin string
}

// Server exposes the storefront over HTTP.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	allowedOrigin  string
	purchaseLimits *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		allowedOrigin:  cfg.AllowedOrigin,
		purchaseLimits: cfg.App.Limiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("storefront", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigin, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// browsing, anonymous allowed
	s.mux.HandleFunc("/api/home", s.handleHome)
	s.mux.HandleFunc("/api/home/stream", s.handleHomeStream)
	s.mux.HandleFunc("/api/catalog", s.handleCatalog)
	s.mux.HandleFunc("/api/catalog/", s.handleCatalogItem)

	// signed-in user
	s.mux.Handle("/api/me", s.authenticated(s.handleMe))
	s.mux.Handle("/api/notifications", s.authenticated(s.handleNotifications))
	s.mux.Handle("/api/notifications/stream", s.authenticated(s.handleNotificationStream))
	s.mux.Handle("/api/notifications/", s.authenticated(s.handleNotificationByID))

	// admin
	s.mux.Handle("/api/admin/discounts", s.adminOnly(s.handleAdminDiscounts))
	s.mux.Handle("/api/admin/broadcasts", s.adminOnly(s.handleAdminBroadcast))
	s.mux.Handle("/api/admin/items", s.adminOnly(s.handleAdminItems))
	s.mux.Handle("/api/admin/items/", s.adminOnly(s.handleAdminItemByID))
	s.mux.Handle("/api/admin/users/", s.adminOnly(s.handleAdminUserByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.Identity)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if user.Role != domain.RoleAdmin {
			s.audit(r, "admin.authorize", "fail", "user_id", user.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		s.audit(r, "admin.authorize", "success", "user_id", user.ID)
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.Identity, bool) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "token.verify", "fail", "reason", "missing_token")
		return domain.Identity{}, false
	}
	user, err := s.app.Tokens.Resolve(r.Context(), token)
	if err != nil {
		s.audit(r, "token.verify", "fail", "reason", err.Error())
		return domain.Identity{}, false
	}
	return user, true
}

// viewer resolves an optional bearer token. ok is false only for a token
// that is present but invalid; no token means anonymous.
func (s *Server) viewer(r *http.Request) (*domain.Identity, bool) {
	if _, present := bearerToken(r); !present {
		return nil, true
	}
	user, ok := s.authorize(r)
	if !ok {
		return nil, false
	}
	return &user, true
}

// identityOf follows the stored row of the viewer so profile edits re-price
// open streams.
func (s *Server) identityOf(who *domain.Identity) reactive.Observable[*domain.Identity] {
	if who == nil {
		return reactive.Just[*domain.Identity](nil)
	}
	return s.app.Identities.Follow(who.ID)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// allowRate applies limiter to key. A nil limiter admits everything.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, key, msg string) bool {
	if limiter == nil {
		return true
	}
	d := limiter.Allow(r.Context(), r.URL.Path+"|"+key)
	if d.Allowed {
		return true
	}
	secs := int(d.RetryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// firstReady waits for the first snapshot of o accepted by ready.
func firstReady[T any](ctx context.Context, o reactive.Observable[T], ready func(T) bool) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotWait)
	defer cancel()
	var zero T
	ch := o.Subscribe(ctx)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return zero, err
				}
				return zero, reactive.ErrClosed
			}
			if ready(v) {
				return v, nil
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

func bearerToken(r *http.Request) (string, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func clientIP(r *http.Request) string {
	if xfwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xfwd != "" {
		first, _, _ := strings.Cut(xfwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func logger(r *http.Request) *slog.Logger {
	return util.LoggerFromContext(r.Context())
}
