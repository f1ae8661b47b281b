package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key")
	}
}

func TestSetOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "k", "v2"); err != nil {
		t.Fatalf("set again: %v", err)
	}

	value, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if value != "v2" {
		t.Fatalf("expected v2, got %s", value)
	}
}

func TestLivenessRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, found, err := s.LastAlive(ctx); err != nil || found {
		t.Fatalf("expected no record on first run, found=%v err=%v", found, err)
	}

	stamp := time.Date(2026, 8, 29, 9, 30, 0, 123456000, time.UTC)
	if err := s.SetLastAlive(ctx, stamp); err != nil {
		t.Fatalf("set last alive: %v", err)
	}

	got, found, err := s.LastAlive(ctx)
	if err != nil || !found {
		t.Fatalf("read back: found=%v err=%v", found, err)
	}
	if !got.Equal(stamp) {
		t.Fatalf("expected %v, got %v", stamp, got)
	}

	if err := s.ClearLastAlive(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, found, _ := s.LastAlive(ctx); found {
		t.Fatalf("expected record cleared")
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LoadCredentials(ctx); err != nil || ok {
		t.Fatalf("expected no credentials yet, ok=%v err=%v", ok, err)
	}

	creds := Credentials{Token: "abc123xyz999", DeploymentCode: "UNIT-7"}
	if err := s.SaveCredentials(ctx, creds); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := s.LoadCredentials(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got != creds {
		t.Fatalf("expected %+v, got %+v", creds, got)
	}

	if err := s.ClearCredentials(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.LoadCredentials(ctx); ok {
		t.Fatalf("expected credentials cleared")
	}
}

func TestPartialCredentialsNotReturned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, keyToken, "abc123xyz999"); err != nil {
		t.Fatalf("set token: %v", err)
	}

	if _, ok, err := s.LoadCredentials(ctx); err != nil || ok {
		t.Fatalf("token without deployment code should not count, ok=%v err=%v", ok, err)
	}
}
