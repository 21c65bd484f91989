package server

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"storefront/internal/app"
	"storefront/pkg/domain"
	"storefront/pkg/identity"
	"storefront/pkg/notify"
)

type profileRequest struct {
	DisplayName *string `json:"displayName"`
	Email       *string `json:"email"`
}

type notificationsResponse struct {
	Items       []domain.Notification `json:"items"`
	UnreadCount int                   `json:"unreadCount"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var req profileRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		// role and override are admin-only
		u, err := s.app.Identities.UpdateProfile(r.Context(), user.ID, identity.ProfileUpdate{
			DisplayName: req.DisplayName,
			Email:       req.Email,
		})
		if err != nil {
			logger(r).Error("update profile failed", "user_id", user.ID, "err", err)
			writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, u)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	switch r.Method {
	case http.MethodGet:
		ns, err := firstReady(r.Context(), s.app.Notifier.ForUser(user.ID), func([]domain.Notification) bool { return true })
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
			return
		}
		if ns == nil {
			ns = []domain.Notification{}
		}
		writeJSON(w, http.StatusOK, notificationsResponse{Items: ns, UnreadCount: notify.UnreadCount(ns)})
	case http.MethodDelete:
		n, err := s.app.Notifier.ClearAll(r.Context(), user.ID)
		if err != nil {
			logger(r).Error("clear notifications failed", "user_id", user.ID, "err", err)
			writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stream(w, r, "notifications", s.app.Notifier.ForUser(user.ID))
}

// handleNotificationByID serves POST /api/notifications/{id}/read.
func (s *Server) handleNotificationByID(w http.ResponseWriter, r *http.Request, user domain.Identity) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/notifications/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "read" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	ns, err := firstReady(r.Context(), s.app.Notifier.ForUser(user.ID), func([]domain.Notification) bool { return true })
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
		return
	}
	if !slices.ContainsFunc(ns, func(n domain.Notification) bool { return n.ID == id }) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err := s.app.Notifier.MarkRead(r.Context(), id); err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
