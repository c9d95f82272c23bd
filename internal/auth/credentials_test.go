package auth

import (
	"errors"
	"testing"
)

func TestStoreSetClear(t *testing.T) {
	store := NewStore("")
	if _, ok := store.Token(); ok {
		t.Fatal("empty store should have no token")
	}
	store.Set("abc")
	token, ok := store.Token()
	if !ok || token != "abc" {
		t.Errorf("expected abc, got %q (%v)", token, ok)
	}
	store.Clear()
	if _, ok := store.Token(); ok {
		t.Error("cleared store should have no token")
	}
}

func TestParseTable(t *testing.T) {
	table, err := ParseTable([]string{"tok-a=1:alice", "tok-b=2"})
	if err != nil {
		t.Fatalf("ParseTable failed: %v", err)
	}
	user, err := table.Verify("tok-a")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if user.ID != 1 || user.Username != "alice" {
		t.Errorf("unexpected user %+v", user)
	}
	bob, ok := table.Lookup(2)
	if !ok || bob.Username != "user_2" {
		t.Errorf("unexpected default name %+v", bob)
	}
	if _, err := table.Verify("nope"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTableMalformed(t *testing.T) {
	for _, entry := range []string{"noequals", "=1:x", "tok=abc:x"} {
		if _, err := ParseTable([]string{entry}); !errors.Is(err, ErrMalformedPair) {
			t.Errorf("%q: expected ErrMalformedPair, got %v", entry, err)
		}
	}
}
