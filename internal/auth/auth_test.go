package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/idp/internal/ratelimit"
	"github.com/example/idp/internal/store"
)

func newService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	db := store.NewMemoryDB()
	svc := NewService(db, ratelimit.NewMemory(), nil, Config{Secret: []byte("test-secret")})
	return svc, db
}

func TestRegister(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, store.RoleAdmin, first.Role)
	assert.NotEqual(t, "secret1", first.Password)

	second, err := svc.Register(ctx, RegisterInput{Username: "bob", Email: "bob@example.com", Password: "secret2"})
	require.NoError(t, err)
	assert.Equal(t, store.RoleUser, second.Role)

	_, err = svc.Register(ctx, RegisterInput{Username: "alice", Email: "other@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	_, err = svc.Register(ctx, RegisterInput{Username: "carol", Email: "alice@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	require.NoError(t, db.SetSetting(ctx, store.SettingAllowRegistration, "false", 0))
	_, err = svc.Register(ctx, RegisterInput{Username: "dave", Email: "dave@example.com", Password: "secret1"})
	assert.ErrorIs(t, err, ErrRegistrationClosed)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newService(t)
	cases := map[string]RegisterInput{
		"missing":        {Username: "alice"},
		"short username": {Username: "al", Email: "a@example.com", Password: "secret1"},
		"bad chars":      {Username: "al ice", Email: "a@example.com", Password: "secret1"},
		"bad email":      {Username: "alice", Email: "not-an-email", Password: "secret1"},
		"short password": {Username: "alice", Email: "a@example.com", Password: "12345"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), in)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "got %v", err)
		})
	}
}

func TestLoginInvalidatesEarlierSessions(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)

	first, err := svc.Login(ctx, "1.1.1.1", "alice", "secret1")
	require.NoError(t, err)
	id, err := svc.Resolve(ctx, first.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.User.Username)

	second, err := svc.Login(ctx, "1.1.1.1", "alice@example.com", "secret1")
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, first.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = svc.Resolve(ctx, second.Token)
	assert.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, second.Token))
	_, err = svc.Resolve(ctx, second.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestLoginFailures(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, "2.2.2.2", "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "2.2.2.2", "nobody", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRateLimited(t *testing.T) {
	db := store.NewMemoryDB()
	svc := NewService(db, ratelimit.NewMemory(), nil, Config{Secret: []byte("s"), LoginLimit: 2, LoginWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Login(ctx, "3.3.3.3", "nobody", "x")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := svc.Login(ctx, "3.3.3.3", "nobody", "x")
	var limited *ratelimit.ExceededError
	require.True(t, errors.As(err, &limited))
	assert.Positive(t, limited.RetryAfter)

	// a different caller is unaffected
	_, err = svc.Login(ctx, "4.4.4.4", "nobody", "x")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginSuccessClearsThrottle(t *testing.T) {
	db := store.NewMemoryDB()
	svc := NewService(db, ratelimit.NewMemory(), nil, Config{Secret: []byte("s"), LoginLimit: 2, LoginWindow: time.Minute})
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, "5.5.5.5", "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "5.5.5.5", "alice", "secret1")
	require.NoError(t, err)

	// the window restarted, so two more attempts are allowed
	for i := 0; i < 2; i++ {
		_, err = svc.Login(ctx, "5.5.5.5", "alice", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
}

func TestConcurrentLoginsKeepOneSession(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)

	const n = 8
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Login(ctx, "6.6.6.6", "alice", "secret1")
			if assert.NoError(t, err) {
				tokens[i] = res.Token
			}
		}(i)
	}
	wg.Wait()

	live := 0
	for _, tok := range tokens {
		if _, err := svc.Resolve(ctx, tok); err == nil {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestResolveRejects(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, RegisterInput{Username: "alice", Email: "alice@example.com", Password: "secret1"})
	require.NoError(t, err)
	res, err := svc.Login(ctx, "1.1.1.1", "alice", "secret1")
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = svc.Resolve(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	other := NewService(store.NewMemoryDB(), nil, nil, Config{Secret: []byte("other-secret")})
	_, err = other.Resolve(ctx, res.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated, "signed with a different secret")

	later := time.Now().Add(8 * 24 * time.Hour)
	svc.WithClock(func() time.Time { return later })
	_, err = svc.Resolve(ctx, res.Token)
	assert.ErrorIs(t, err, ErrUnauthenticated, "expired")
}
