// Package identity exposes the current identity as a reactive value and
// mirrors signed-in users into the Users table.
package identity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"storefront/pkg/domain"
	"storefront/pkg/reactive"
	"storefront/pkg/store"
)

var (
	ErrUnknownUser     = errors.New("unknown user")
	ErrInvalidOverride = errors.New("discount override must be within 0..100")
)

// Provider supplies the current identity. A nil identity is anonymous.
type Provider interface {
	Current() reactive.Observable[*domain.Identity]
	SignOut(ctx context.Context) error
}

// Mirror keeps the local Users rows in step with the identity provider.
type Mirror struct {
	store store.Store
	grace time.Duration
}

func NewMirror(st store.Store, grace time.Duration) *Mirror {
	return &Mirror{store: st, grace: grace}
}

// Upsert records a sign-in. The first sign-in creates the row; later ones
// refresh display attributes and keep the stored role and override, since
// the role persists across sessions.
func (m *Mirror) Upsert(ctx context.Context, in domain.Identity) (domain.Identity, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return domain.Identity{}, errors.New("identity id required")
	}
	existing, ok, err := m.store.GetUser(ctx, in.ID)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("get user: %w", err)
	}
	now := time.Now().UTC()
	if ok {
		changed := false
		if in.DisplayName != "" && in.DisplayName != existing.DisplayName {
			existing.DisplayName = in.DisplayName
			changed = true
		}
		if in.Email != "" && in.Email != existing.Email {
			existing.Email = in.Email
			changed = true
		}
		if !changed {
			return existing, nil
		}
		existing.UpdatedAt = now
		in = existing
	} else {
		in.Role = domain.ParseRole(string(in.Role))
		in.CreatedAt = now
		in.UpdatedAt = now
	}
	if err := m.store.SaveUser(ctx, in); err != nil {
		return domain.Identity{}, fmt.Errorf("save user: %w", err)
	}
	return in, nil
}

// ProfileUpdate carries the optional fields of a profile edit.
type ProfileUpdate struct {
	DisplayName   *string      `json:"displayName,omitempty"`
	Email         *string      `json:"email,omitempty"`
	Role          *domain.Role `json:"role,omitempty"`
	Override      *float64     `json:"discountOverridePercent,omitempty"`
	ClearOverride bool         `json:"clearOverride,omitempty"`
}

// UpdateProfile applies a profile edit to an existing user.
func (m *Mirror) UpdateProfile(ctx context.Context, userID string, p ProfileUpdate) (domain.Identity, error) {
	u, ok, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("get user: %w", err)
	}
	if !ok {
		return domain.Identity{}, ErrUnknownUser
	}
	if p.DisplayName != nil {
		u.DisplayName = strings.TrimSpace(*p.DisplayName)
	}
	if p.Email != nil {
		u.Email = strings.TrimSpace(*p.Email)
	}
	if p.Role != nil {
		u.Role = domain.ParseRole(string(*p.Role))
	}
	switch {
	case p.ClearOverride:
		u.DiscountOverridePercent = nil
	case p.Override != nil:
		o := *p.Override
		if math.IsNaN(o) || o < 0 || o > 100 {
			return domain.Identity{}, ErrInvalidOverride
		}
		u.DiscountOverridePercent = domain.FloatPtr(o)
	}
	u.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveUser(ctx, u); err != nil {
		return domain.Identity{}, fmt.Errorf("save user: %w", err)
	}
	return u, nil
}

// Follow emits the stored row of userID after every change, or nil while no
// such row exists. An empty id is anonymous.
func (m *Mirror) Follow(userID string) reactive.Observable[*domain.Identity] {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return reactive.Just[*domain.Identity](nil)
	}
	return reactive.NewShared(func(ctx context.Context, emit func(*domain.Identity)) {
		store.Follow(ctx, m.store, store.Topic{Table: store.TableUsers, Key: userID}, func(ctx context.Context) error {
			u, ok, err := m.store.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			if !ok {
				emit(nil)
				return nil
			}
			emit(&u)
			return nil
		})
	}, m.grace)
}

// Session is a single-device Provider: one user at a time, switched by
// SignIn and SignOut.
type Session struct {
	mirror  *Mirror
	userID  *reactive.Value[string]
	current *reactive.Shared[*domain.Identity]
}

func NewSession(mirror *Mirror) *Session {
	s := &Session{mirror: mirror, userID: reactive.NewValue("")}
	s.current = reactive.Switch[string, *domain.Identity](s.userID, mirror.Follow, mirror.grace)
	return s
}

func (s *Session) Current() reactive.Observable[*domain.Identity] {
	return s.current
}

// UserID returns the signed-in user id, or "" when anonymous.
func (s *Session) UserID() string {
	return s.userID.Get()
}

// SignIn mirrors the identity and makes it current.
func (s *Session) SignIn(ctx context.Context, in domain.Identity) (domain.Identity, error) {
	u, err := s.mirror.Upsert(ctx, in)
	if err != nil {
		return domain.Identity{}, err
	}
	s.userID.Set(u.ID)
	return u, nil
}

func (s *Session) SignOut(context.Context) error {
	s.userID.Set("")
	return nil
}

// Fixed is a Provider pinned to one user id, used per request by the HTTP
// transport after resolving a bearer token.
type Fixed struct {
	mirror *Mirror
	userID string
}

func NewFixed(mirror *Mirror, userID string) Fixed {
	return Fixed{mirror: mirror, userID: userID}
}

func (f Fixed) Current() reactive.Observable[*domain.Identity] {
	return f.mirror.Follow(f.userID)
}

func (f Fixed) SignOut(context.Context) error { return nil }
