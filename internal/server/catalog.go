package server

import (
	"errors"
	"net/http"
	"strings"

	"storefront/internal/app"
	"storefront/pkg/catalog"
	"storefront/pkg/domain"
	"storefront/pkg/txn"
)

type reviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

type transitionResponse struct {
	Result  txn.Result `json:"result"`
	Message string     `json:"message"`
}

type toggleResponse struct {
	Added   bool   `json:"added"`
	Message string `json:"message"`
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	who, ok := s.viewer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	home, err := firstReady(r.Context(), s.app.HomeFeed(s.identityOf(who)), func(h app.Home) bool { return !h.Loading })
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
		return
	}
	if home.Error != "" {
		writeJSON(w, http.StatusServiceUnavailable, home)
		return
	}
	writeJSON(w, http.StatusOK, home)
}

func (s *Server) handleHomeStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	who, ok := s.viewer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	stream(w, r, "home", s.app.HomeFeed(s.identityOf(who)))
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snap, err := firstReady(r.Context(), s.app.Catalog.Items(), func(sn catalog.Snapshot) bool { return !sn.Loading })
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
		return
	}
	if snap.Err != nil {
		logger(r).Warn("catalog unavailable", "err", snap.Err)
		writeError(w, http.StatusServiceUnavailable, app.MessageCatalogUnavailable)
		return
	}
	items := snap.Items
	if items == nil {
		items = []domain.CatalogItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleCatalogItem serves /api/catalog/{id} and its sub-resources.
func (s *Server) handleCatalogItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/catalog/"), "/")
	itemID, action, _ := strings.Cut(rest, "/")
	if itemID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch action {
	case "":
		s.handleDetail(w, r, itemID)
	case "stream":
		s.handleDetailStream(w, r, itemID)
	case "reviews":
		if r.Method == http.MethodGet {
			s.handleReviews(w, r, itemID)
			return
		}
		s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.Identity) {
			s.handleSubmitReview(w, r, user, itemID)
		}).ServeHTTP(w, r)
	case "purchase", "remove", "wishlist", "view":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.Identity) {
			switch action {
			case "purchase":
				s.handlePurchase(w, r, user, itemID)
			case "remove":
				s.handleRemove(w, r, user, itemID)
			case "wishlist":
				s.handleWishlist(w, r, user, itemID)
			default:
				s.handleView(w, r, user, itemID)
			}
		}).ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request, itemID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	who, ok := s.viewer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	d, err := firstReady(r.Context(), s.app.DetailView(s.identityOf(who), itemID), func(app.Detail) bool { return true })
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
		return
	}
	switch {
	case d.Found:
		writeJSON(w, http.StatusOK, d)
	case d.Error == app.MessageUnknownItem:
		writeError(w, http.StatusNotFound, d.Error)
	default:
		writeError(w, http.StatusServiceUnavailable, d.Error)
	}
}

func (s *Server) handleDetailStream(w http.ResponseWriter, r *http.Request, itemID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	who, ok := s.viewer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	stream(w, r, "detail", s.app.DetailView(s.identityOf(who), itemID))
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request, itemID string) {
	sum, err := firstReady(r.Context(), s.app.Catalog.Reviews(itemID), func(catalog.ReviewSummary) bool { return true })
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request, user domain.Identity, itemID string) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var req reviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	review, err := s.app.Catalog.SubmitReview(r.Context(), user.ID, itemID, req.Rating, req.Comment)
	switch {
	case errors.Is(err, catalog.ErrInvalidRating):
		writeError(w, http.StatusBadRequest, "rating must be between 1 and 5")
	case errors.Is(err, catalog.ErrItemNotFound):
		writeError(w, http.StatusNotFound, app.MessageUnknownItem)
	case err != nil:
		logger(r).Error("submit review failed", "item_id", itemID, "err", err)
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
	default:
		writeJSON(w, http.StatusOK, review)
	}
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request, user domain.Identity, itemID string) {
	if !s.allowRate(w, r, s.purchaseLimits, user.ID, "too many purchase attempts") {
		s.audit(r, "purchase", "rate_limited", "user_id", user.ID)
		return
	}
	res, err := s.app.Coordinator.Purchase(r.Context(), &user, itemID)
	s.writeTransition(w, r, res, err)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request, user domain.Identity, itemID string) {
	res, err := s.app.Coordinator.Remove(r.Context(), &user, itemID)
	s.writeTransition(w, r, res, err)
}

func (s *Server) writeTransition(w http.ResponseWriter, r *http.Request, res txn.Result, err error) {
	if err != nil {
		logger(r).Error("transition failed", "item_id", res.ItemID, "err", err)
		writeError(w, http.StatusInternalServerError, app.MessageStoreUnavailable)
		return
	}
	writeJSON(w, transitionStatus(res), transitionResponse{Result: res, Message: app.Message(res)})
}

func transitionStatus(res txn.Result) int {
	switch res.Reason {
	case txn.ReasonNone:
		return http.StatusOK
	case txn.ReasonOutOfStock, txn.ReasonPriceRemovalNotAllowed, txn.ReasonPhysicalRemovalNotAllowed:
		return http.StatusConflict
	case txn.ReasonNotOwned, txn.ReasonUnknownItem:
		return http.StatusNotFound
	case txn.ReasonSignInRequired:
		return http.StatusUnauthorized
	default:
		return http.StatusServiceUnavailable
	}
}

// knownItem writes 404 or 503 and reports false unless itemID is in the
// catalog.
func (s *Server) knownItem(w http.ResponseWriter, r *http.Request, itemID string) bool {
	if _, err := s.app.Catalog.Get(r.Context(), itemID); err != nil {
		if errors.Is(err, catalog.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, app.MessageUnknownItem)
			return false
		}
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
		return false
	}
	return true
}

func (s *Server) handleWishlist(w http.ResponseWriter, r *http.Request, user domain.Identity, itemID string) {
	if !s.knownItem(w, r, itemID) {
		return
	}
	res, err := s.app.Ownership.ToggleWishlist(r.Context(), user.ID, itemID)
	if err != nil {
		logger(r).Error("toggle wishlist failed", "item_id", itemID, "err", err)
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{Added: res.Added, Message: app.ToggleMessage(res)})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, user domain.Identity, itemID string) {
	if !s.knownItem(w, r, itemID) {
		return
	}
	if err := s.app.Ownership.RecordView(r.Context(), user.ID, itemID); err != nil {
		logger(r).Warn("record view failed", "item_id", itemID, "err", err)
		writeError(w, http.StatusServiceUnavailable, app.MessageStoreUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
