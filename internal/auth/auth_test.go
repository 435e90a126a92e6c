package auth

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gridlock/internal/config"
	"github.com/cory-johannsen/gridlock/internal/storage"
)

func testConfig() config.AuthConfig {
	return config.AuthConfig{
		Secret:   "0123456789abcdef0123",
		Issuer:   "gridlock",
		GuestTTL: time.Hour,
	}
}

// failingStore returns err from every call.
type failingStore struct{ err error }

func (f failingStore) Get(context.Context, string) (string, bool, error) { return "", false, f.err }
func (f failingStore) Set(context.Context, string, string, time.Duration) error {
	return f.err
}
func (f failingStore) Delete(context.Context, string) error { return f.err }
func (f failingStore) ZAdd(context.Context, string, float64, string) error {
	return f.err
}
func (f failingStore) ZRangeByScore(context.Context, string, float64, float64) ([]string, error) {
	return nil, f.err
}

func TestAuthenticate_IssuesGuest(t *testing.T) {
	store := storage.NewMemory()
	svc := NewService(testConfig(), store, zaptest.NewLogger(t))

	id, err := svc.Authenticate(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, id.PlayerID)
	assert.Regexp(t, regexp.MustCompile(`^Guest-[0-9A-F]{4}$`), id.Username)
	assert.NotEmpty(t, id.Token)

	name, ok, err := store.Get(context.Background(), "guest:"+id.PlayerID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id.Username, name)
}

func TestAuthenticate_ResumesWithToken(t *testing.T) {
	svc := NewService(testConfig(), storage.NewMemory(), zaptest.NewLogger(t))
	guest, err := svc.Authenticate(context.Background(), "")
	require.NoError(t, err)

	again, err := svc.Authenticate(context.Background(), guest.Token)
	require.NoError(t, err)
	assert.Equal(t, guest.PlayerID, again.PlayerID)
	assert.Equal(t, guest.Username, again.Username)
	assert.Empty(t, again.Token, "resuming does not issue a new token")
}

func TestAuthenticate_UnknownPlayer(t *testing.T) {
	svc := NewService(testConfig(), storage.NewMemory(), zaptest.NewLogger(t))
	token, err := svc.Sign("ghost")
	require.NoError(t, err)
	_, err = svc.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnknownPlayer)
}

func TestAuthenticate_StoreFailureFailsRequest(t *testing.T) {
	boom := errors.New("store down")
	svc := NewService(testConfig(), failingStore{err: boom}, zaptest.NewLogger(t))

	_, err := svc.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, boom)

	token, err := svc.Sign("p1")
	require.NoError(t, err)
	_, err = svc.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, boom)
}

func TestVerify_RejectsTampered(t *testing.T) {
	svc := NewService(testConfig(), storage.NewMemory(), zaptest.NewLogger(t))
	token, err := svc.Sign("p1")
	require.NoError(t, err)

	_, err = svc.Verify(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsOtherSecret(t *testing.T) {
	a := NewService(testConfig(), storage.NewMemory(), zaptest.NewLogger(t))
	cfg := testConfig()
	cfg.Secret = "another-secret-value-xyz"
	b := NewService(cfg, storage.NewMemory(), zaptest.NewLogger(t))

	token, err := a.Sign("p1")
	require.NoError(t, err)
	_, err = b.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsOtherIssuer(t *testing.T) {
	a := NewService(testConfig(), storage.NewMemory(), zaptest.NewLogger(t))
	cfg := testConfig()
	cfg.Issuer = "elsewhere"
	b := NewService(cfg, storage.NewMemory(), zaptest.NewLogger(t))

	token, err := b.Sign("p1")
	require.NoError(t, err)
	_, err = a.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsExpired(t *testing.T) {
	svc := NewService(testConfig(), storage.NewMemory(), zaptest.NewLogger(t))
	base := time.Unix(1_700_000_000, 0)
	svc.now = func() time.Time { return base }
	token, err := svc.Sign("p1")
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsNoneAlgorithm(t *testing.T) {
	svc := NewService(testConfig(), storage.NewMemory(), zaptest.NewLogger(t))
	claims := jwt.RegisteredClaims{
		Subject:   "p1",
		Issuer:    "gridlock",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// Property: every signed subject verifies back to itself.
func TestPropertySignVerify(t *testing.T) {
	svc := NewService(testConfig(), storage.NewMemory(), zaptest.NewLogger(t))
	rapid.Check(t, func(rt *rapid.T) {
		subject := rapid.StringMatching(`[a-z0-9-]{1,36}`).Draw(rt, "subject")
		token, err := svc.Sign(subject)
		if err != nil {
			rt.Fatalf("sign: %v", err)
		}
		got, err := svc.Verify(token)
		if err != nil {
			rt.Fatalf("verify: %v", err)
		}
		if got != subject {
			rt.Fatalf("got %q, want %q", got, subject)
		}
	})
}
