package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

const testKey = "pgk_live_abc123secret"

type countingProjectStore struct {
	row   *ProjectRow
	err   error
	calls atomic.Int32
}

func (s *countingProjectStore) LookupByPrefix(_ context.Context, prefix string) (*ProjectRow, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if prefix != testKey[:prefixLen] {
		return nil, sql.ErrNoRows
	}
	return s.row, nil
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func withBearer(key string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+key))
}

func TestExtractBearerToken(t *testing.T) {
	token, err := ExtractBearerToken(withBearer(testKey))
	if err != nil {
		t.Fatal(err)
	}
	if token != testKey {
		t.Fatalf("expected %s, got %s", testKey, token)
	}

	if _, err := ExtractBearerToken(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated without metadata, got %v", err)
	}
	if _, err := ExtractBearerToken(withBearer("sk-other")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for foreign key, got %v", err)
	}
}

func TestWithAuthorization(t *testing.T) {
	ctx := WithAuthorization(context.Background(), "bearer "+testKey)
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if token != testKey {
		t.Fatalf("expected %s, got %s", testKey, token)
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator(ModeShadow)
	p, err := a.Authenticate(withBearer(testKey))
	if err != nil {
		t.Fatal(err)
	}
	if p.ProjectID != "static-"+testKey[:prefixLen] {
		t.Fatalf("unexpected project id %s", p.ProjectID)
	}
	if !p.Shadow() {
		t.Fatal("expected shadow mode")
	}
}

func TestPostgresAuthenticator_ValidKeyIsCached(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := &countingProjectStore{row: &ProjectRow{
		ProjectID:  "proj-1",
		APIKeyHash: hashKey(t, testKey),
		Mode:       "shadow",
	}}
	a := NewPostgresAuthenticatorWithStore(store, 30*time.Second, false, logger)

	for i := 0; i < 3; i++ {
		p, err := a.Authenticate(withBearer(testKey))
		if err != nil {
			t.Fatal(err)
		}
		if p.ProjectID != "proj-1" || !p.Shadow() {
			t.Fatalf("unexpected project %+v", p)
		}
	}
	if n := store.calls.Load(); n != 1 {
		t.Fatalf("expected 1 DB call, got %d", n)
	}
}

func TestPostgresAuthenticator_WrongKey(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := &countingProjectStore{row: &ProjectRow{
		ProjectID:  "proj-1",
		APIKeyHash: hashKey(t, testKey),
	}}
	a := NewPostgresAuthenticatorWithStore(store, 30*time.Second, true, logger)

	_, err := a.Authenticate(withBearer(testKey[:prefixLen] + "tampered"))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated even when failing open, got %v", err)
	}
}

func TestPostgresAuthenticator_UnknownPrefix(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := &countingProjectStore{}
	a := NewPostgresAuthenticatorWithStore(store, 30*time.Second, false, logger)

	_, err := a.Authenticate(withBearer("pgk_unknown_key_0000"))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestPostgresAuthenticator_WrappedNoRowsIsUnauthenticated(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := &countingProjectStore{err: fmt.Errorf("lookup guard_projects: %w", sql.ErrNoRows)}
	a := NewPostgresAuthenticatorWithStore(store, 30*time.Second, true, logger)

	p, err := a.Authenticate(withBearer(testKey))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated even when failing open, got %v (project %+v)", err, p)
	}
}

func TestPostgresAuthenticator_FailOpenOnDBError(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := &countingProjectStore{err: errors.New("connection refused")}

	a := NewPostgresAuthenticatorWithStore(store, 30*time.Second, true, logger)
	p, err := a.Authenticate(withBearer(testKey))
	if err != nil {
		t.Fatal(err)
	}
	if !p.FailOpen || p.ProjectID != "unknown" {
		t.Fatalf("expected fail-open project, got %+v", p)
	}

	closed := NewPostgresAuthenticatorWithStore(store, 30*time.Second, false, logger)
	if _, err := closed.Authenticate(withBearer(testKey)); err == nil {
		t.Fatal("expected error when failing closed")
	}
}
