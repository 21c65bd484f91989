package identity

import (
	"context"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storefront/pkg/domain"
	"storefront/pkg/store"
)

func waitIdentity(t *testing.T, ch <-chan *domain.Identity, pred func(*domain.Identity) bool) *domain.Identity {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u := <-ch:
			if pred(u) {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for identity")
		}
	}
}

func TestSessionSignInOut(t *testing.T) {
	st := store.NewMemoryStore()
	s := NewSession(NewMirror(st, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Current().Subscribe(ctx)
	waitIdentity(t, ch, func(u *domain.Identity) bool { return u == nil })

	_, err := s.SignIn(ctx, domain.Identity{ID: "u1", DisplayName: "Ann", Role: domain.RoleStudent})
	require.NoError(t, err)
	u := waitIdentity(t, ch, func(u *domain.Identity) bool { return u != nil })
	assert.Equal(t, "Ann", u.DisplayName)
	assert.Equal(t, domain.RoleStudent, u.Role)
	assert.Equal(t, "u1", s.UserID())

	_, err = s.mirror.UpdateProfile(ctx, "u1", ProfileUpdate{Override: domain.FloatPtr(25)})
	require.NoError(t, err)
	u = waitIdentity(t, ch, func(u *domain.Identity) bool { return u != nil && u.DiscountOverridePercent != nil })
	assert.Equal(t, 25.0, *u.DiscountOverridePercent)

	require.NoError(t, s.SignOut(ctx))
	waitIdentity(t, ch, func(u *domain.Identity) bool { return u == nil })
}

func TestRolePersistsAcrossSignIns(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMirror(st, 0)
	ctx := context.Background()

	_, err := m.Upsert(ctx, domain.Identity{ID: "u1", Role: domain.RoleTeacher})
	require.NoError(t, err)
	u, err := m.Upsert(ctx, domain.Identity{ID: "u1", DisplayName: "New Name", Role: domain.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleTeacher, u.Role)
	assert.Equal(t, "New Name", u.DisplayName)

	_, err = m.UpdateProfile(ctx, "u1", ProfileUpdate{Override: domain.FloatPtr(120)})
	assert.ErrorIs(t, err, ErrInvalidOverride)
	_, err = m.UpdateProfile(ctx, "ghost", ProfileUpdate{})
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestTokenResolver(t *testing.T) {
	st := store.NewMemoryStore()
	r, err := NewTokenResolver(TokenConfig{Secret: "s3cret", Issuer: "iss"}, NewMirror(st, 0))
	require.NoError(t, err)
	ctx := context.Background()

	token, err := r.Issue(domain.Identity{ID: "u1", DisplayName: "Ann", Role: domain.RoleStudent}, time.Minute)
	require.NoError(t, err)
	u, err := r.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, domain.RoleStudent, u.Role)

	_, ok, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok, "resolving mirrors the user row")

	other, err := NewTokenResolver(TokenConfig{Secret: "other", Issuer: "iss"}, NewMirror(st, 0))
	require.NoError(t, err)
	forged, err := other.Issue(domain.Identity{ID: "u2"}, time.Minute)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := r.Issue(domain.Identity{ID: "u3"}, -time.Hour)
	require.NoError(t, err)
	_, err = r.Resolve(ctx, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u4", Issuer: "iss"})
	signed, err := noExp.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewTokenResolver(TokenConfig{}, nil)
	assert.Error(t, err)
}
