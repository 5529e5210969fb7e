package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/whisper/dm/internal/db/dbtest"
)

func newUser(id, username string) *User {
	return &User{
		ID:           id,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "$2a$04$hash",
		AvatarColor:  "#12ab34",
		CreatedAt:    time.Date(2026, 2, 3, 4, 5, 6, 7, time.UTC),
	}
}

func backends() map[string]func(t *testing.T) *sql.DB {
	return map[string]func(t *testing.T) *sql.DB{
		"sqlite":   dbtest.SQLite,
		"postgres": dbtest.Postgres,
	}
}

func TestCreateAndGet(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			repo := NewSQLRepository(open(t))
			ctx := context.Background()
			alice := newUser("u1", "alice")

			if err := repo.Create(ctx, alice); err != nil {
				t.Fatalf("create: %v", err)
			}

			byID, err := repo.GetByID(ctx, "u1")
			if err != nil || byID == nil {
				t.Fatalf("get by id: %v %v", byID, err)
			}
			if *byID != *alice {
				t.Errorf("expected %+v, got %+v", alice, byID)
			}

			byEmail, _ := repo.GetByEmail(ctx, "alice@example.com")
			if byEmail == nil || byEmail.ID != "u1" {
				t.Errorf("get by email: %+v", byEmail)
			}
			byName, _ := repo.GetByUsername(ctx, "alice")
			if byName == nil || byName.ID != "u1" {
				t.Errorf("get by username: %+v", byName)
			}

			missing, err := repo.GetByID(ctx, "nope")
			if err != nil || missing != nil {
				t.Errorf("expected nil, nil for missing user, got %v, %v", missing, err)
			}
		})
	}
}

func TestCreateDuplicates(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			repo := NewSQLRepository(open(t))
			ctx := context.Background()
			if err := repo.Create(ctx, newUser("u1", "alice")); err != nil {
				t.Fatalf("create: %v", err)
			}

			sameEmail := newUser("u2", "alicia")
			sameEmail.Email = "alice@example.com"
			if err := repo.Create(ctx, sameEmail); !errors.Is(err, ErrDuplicateEmail) {
				t.Errorf("expected ErrDuplicateEmail, got %v", err)
			}

			sameName := newUser("u3", "alice")
			sameName.Email = "other@example.com"
			if err := repo.Create(ctx, sameName); !errors.Is(err, ErrDuplicateUsername) {
				t.Errorf("expected ErrDuplicateUsername, got %v", err)
			}
		})
	}
}

func TestListOthers(t *testing.T) {
	repo := NewSQLRepository(dbtest.SQLite(t))
	ctx := context.Background()
	for i, name := range []string{"carol", "alice", "bob"} {
		if err := repo.Create(ctx, newUser(fmt.Sprintf("u%d", i), name)); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	others, err := repo.ListOthers(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(others) != 2 || others[0].Username != "bob" || others[1].Username != "carol" {
		t.Errorf("unexpected list: %+v", others)
	}
}

func TestCreateValidates(t *testing.T) {
	repo := NewSQLRepository(dbtest.SQLite(t))
	u := newUser("u1", "alice")
	u.Email = "not-an-email"
	if err := repo.Create(context.Background(), u); err == nil {
		t.Fatal("expected validation error")
	}
}
