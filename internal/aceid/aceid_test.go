package aceid

import (
	"net/url"
	"testing"
)

func TestNewRequiresExactlyOne(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatalf("expected error when neither id nor infohash is set")
	}
	if _, err := New("abc", "def"); err == nil {
		t.Fatalf("expected error when both id and infohash are set")
	}
	if _, err := New("abc", ""); err != nil {
		t.Fatalf("unexpected error for id-only: %v", err)
	}
}

func TestTypePrefersInfohash(t *testing.T) {
	k, err := New("", "deadbeef")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	typ, v := k.Type()
	if typ != KeyTypeInfohash || v != "deadbeef" {
		t.Fatalf("expected infohash type, got %s=%s", typ, v)
	}
}

func TestFromParams(t *testing.T) {
	params := url.Values{"id": {"abc123"}}
	k, err := FromParams(params)
	if err != nil {
		t.Fatalf("FromParams: %v", err)
	}
	if k.Key() != "abc123" {
		t.Fatalf("expected key abc123, got %s", k.Key())
	}
}

func TestStringRoundTrip(t *testing.T) {
	k, _ := New("abc123", "")
	s := k.String()
	if s == "" {
		t.Fatalf("expected non-empty String()")
	}
}
