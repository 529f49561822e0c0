// Package testutil provides test helpers for creating multi-user,
// multi-domain fixtures against the real auth and maildir stores.
package testutil

import (
	"context"
	"testing"

	"github.com/infodancer/mailcore/internal/auth"
	"github.com/infodancer/mailcore/internal/maildir"
)

// TestPassword is the password used for all default test users.
const TestPassword = "testpass"

// TestUser represents a test user configuration.
type TestUser struct {
	Username string
	Password string // plaintext password; defaults to TestPassword if empty
}

// TestDomain represents a test domain configuration.
type TestDomain struct {
	Name  string
	Users []TestUser
}

// DefaultTestDomains returns the standard test domains (example.com, test.org).
// All users have the password TestPassword unless overridden.
func DefaultTestDomains() []TestDomain {
	return []TestDomain{
		{
			Name: "example.com",
			Users: []TestUser{
				{Username: "testuser"},
				{Username: "admin"},
			},
		},
		{
			Name: "test.org",
			Users: []TestUser{
				{Username: "user1"},
			},
		},
	}
}

// Fixture bundles the two stores a handler needs, seeded with
// DefaultTestDomains (or whatever TestDomain list is passed to Setup).
type Fixture struct {
	Auth    *auth.Store
	Maildir *maildir.Store
}

// Setup creates a fresh SQLite auth store and Maildir tree under t.TempDir,
// adds every user in domains with their configured (or default) password,
// and registers cleanup for both stores.
func Setup(t *testing.T, domains []TestDomain) *Fixture {
	t.Helper()

	authStore, err := auth.NewStore(t.TempDir() + "/auth.db")
	if err != nil {
		t.Fatalf("auth.NewStore() error = %v", err)
	}
	t.Cleanup(func() { authStore.Close() })

	maildirStore, err := maildir.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("maildir.NewStore() error = %v", err)
	}

	ctx := context.Background()
	for _, domain := range domains {
		for _, user := range domain.Users {
			password := user.Password
			if password == "" {
				password = TestPassword
			}
			email := user.Username + "@" + domain.Name
			if err := authStore.AddUser(ctx, email, password); err != nil {
				t.Fatalf("AddUser(%s) error = %v", email, err)
			}
		}
	}

	return &Fixture{Auth: authStore, Maildir: maildirStore}
}

// SetupDefault is a convenience wrapper around Setup(t, DefaultTestDomains()).
func SetupDefault(t *testing.T) *Fixture {
	t.Helper()
	return Setup(t, DefaultTestDomains())
}
