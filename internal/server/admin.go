package server

import (
	"errors"
	"net/http"
	"strings"

	"storefront/internal/app"
	"storefront/pkg/catalog"
	"storefront/pkg/domain"
	"storefront/pkg/identity"
	"storefront/pkg/inventory"
	"storefront/pkg/notify"
	"storefront/pkg/pricing"
)

type discountsRequest struct {
	Discounts []domain.RoleDiscount `json:"discounts"`
}

type restockRequest struct {
	Quantity int `json:"quantity"`
}

func (s *Server) handleAdminDiscounts(w http.ResponseWriter, r *http.Request, admin domain.Identity) {
	switch r.Method {
	case http.MethodGet:
		table, err := s.app.Pricing.Load(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, table)
	case http.MethodPut:
		var req discountsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		for i := range req.Discounts {
			req.Discounts[i].Role = domain.Role(strings.ToLower(strings.TrimSpace(string(req.Discounts[i].Role))))
		}
		err := s.app.SetDiscounts(r.Context(), admin.ID, req.Discounts)
		switch {
		case errors.Is(err, pricing.ErrInvalidDiscount):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAdminBroadcast(w http.ResponseWriter, r *http.Request, admin domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req notify.Broadcast
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	n, err := s.app.Broadcast(r.Context(), admin.ID, req)
	switch {
	case errors.Is(err, notify.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, "title is required")
	case err != nil:
		logger(r).Error("broadcast failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
	default:
		writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
	}
}

func (s *Server) handleAdminItems(w http.ResponseWriter, r *http.Request, admin domain.Identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var item domain.CatalogItem
	if err := decodeJSON(r, &item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.saveItem(w, r, admin, item)
}

// handleAdminItemByID serves PUT /api/admin/items/{id} and
// POST /api/admin/items/{id}/restock.
func (s *Server) handleAdminItemByID(w http.ResponseWriter, r *http.Request, admin domain.Identity) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/items/"), "/")
	itemID, action, _ := strings.Cut(rest, "/")
	if itemID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch {
	case action == "" && r.Method == http.MethodPut:
		var item domain.CatalogItem
		if err := decodeJSON(r, &item); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		item.ID = itemID
		s.saveItem(w, r, admin, item)
	case action == "restock" && r.Method == http.MethodPost:
		var req restockRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		lvl, err := s.app.Restock(r.Context(), admin.ID, itemID, req.Quantity)
		switch {
		case errors.Is(err, catalog.ErrItemNotFound):
			writeError(w, http.StatusNotFound, app.MessageUnknownItem)
		case errors.Is(err, inventory.ErrInvalidQuantity):
			writeError(w, http.StatusBadRequest, "quantity must be positive")
		case errors.Is(err, app.ErrUnlimitedStock):
			writeError(w, http.StatusConflict, err.Error())
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
		default:
			writeJSON(w, http.StatusOK, lvl)
		}
	case action == "" || action == "restock":
		methodNotAllowed(w)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) saveItem(w http.ResponseWriter, r *http.Request, admin domain.Identity, item domain.CatalogItem) {
	err := s.app.SaveItem(r.Context(), admin.ID, item)
	switch {
	case errors.Is(err, catalog.ErrInvalidItem):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		logger(r).Error("save item failed", "item_id", item.ID, "err", err)
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
	default:
		saved, err := s.app.Catalog.Get(r.Context(), item.ID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

// handleAdminUserByID serves PATCH /api/admin/users/{id}: role and personal
// discount override.
func (s *Server) handleAdminUserByID(w http.ResponseWriter, r *http.Request, admin domain.Identity) {
	userID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/users/"), "/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req identity.ProfileUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	u, err := s.app.Identities.UpdateProfile(r.Context(), userID, req)
	switch {
	case errors.Is(err, identity.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, identity.ErrInvalidOverride):
		writeError(w, http.StatusBadRequest, "discountOverridePercent must be within 0..100")
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
	default:
		s.audit(r, "admin.user.update", "success", "actor", admin.ID, "user_id", userID)
		writeJSON(w, http.StatusOK, u)
	}
}
