package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"fleetsync/internal/store"
	"golang.org/x/crypto/bcrypt"
)

type fakeUserStore struct {
	users map[string]store.User
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func newTestService(t *testing.T, users ...store.User) *Service {
	t.Helper()
	fs := &fakeUserStore{users: map[string]store.User{}}
	for _, user := range users {
		fs.users[user.Email] = user
	}
	svc := NewService(fs)
	svc.cost = bcrypt.MinCost
	return svc
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return string(hash)
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t, store.User{ID: "user-1", Email: "dana@fleet.test", PasswordHash: mustHash(t, "correct horse")})

	user, err := svc.Authenticate(context.Background(), "  Dana@Fleet.test ", "correct horse")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected user-1, got %q", user.ID)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	svc := newTestService(t, store.User{ID: "user-1", Email: "dana@fleet.test", PasswordHash: mustHash(t, "correct horse")})

	cases := []struct{ email, password string }{
		{"dana@fleet.test", "wrong"},
		{"nobody@fleet.test", "correct horse"},
		{"", "correct horse"},
		{"dana@fleet.test", ""},
	}
	for _, tc := range cases {
		if _, err := svc.Authenticate(context.Background(), tc.email, tc.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Authenticate(%q, %q) error = %v, want ErrInvalidCredentials", tc.email, tc.password, err)
		}
	}
}

func TestAuthenticateRejectsDeactivated(t *testing.T) {
	now := time.Now()
	svc := newTestService(t, store.User{ID: "user-2", Email: "gone@fleet.test", PasswordHash: mustHash(t, "password1"), DeactivatedAt: &now})
	if _, err := svc.Authenticate(context.Background(), "gone@fleet.test", "password1"); !errors.Is(err, ErrUserDeactivated) {
		t.Fatalf("expected ErrUserDeactivated, got %v", err)
	}
}

func TestHashPassword(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.HashPassword("short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	hash, err := svc.HashPassword("long enough")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("long enough")) != nil {
		t.Fatal("hash does not verify")
	}
}
