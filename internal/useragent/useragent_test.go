package useragent

import (
	"net/http"
	"testing"
)

func TestRandom_PicksFromPool(t *testing.T) {
	pool := []string{"a", "b", "c"}
	r := NewRandom(pool, 42)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		ua := r.UserAgent()
		found := false
		for _, p := range pool {
			if p == ua {
				found = true
			}
		}
		if !found {
			t.Fatalf("UserAgent() = %q, not in pool", ua)
		}
		seen[ua] = true
	}
	if len(seen) != len(pool) {
		t.Errorf("saw %d distinct agents over 200 picks, want %d", len(seen), len(pool))
	}
}

func TestRandom_EmptyPoolUsesDefault(t *testing.T) {
	r := NewRandom(nil, 1)
	if r.UserAgent() == "" {
		t.Fatal("UserAgent() returned empty string")
	}
}

func TestFixed(t *testing.T) {
	var s Selector = Fixed("test-agent")
	if got := s.UserAgent(); got != "test-agent" {
		t.Errorf("UserAgent() = %q, want test-agent", got)
	}
}

func TestApplyHeaders(t *testing.T) {
	h := http.Header{}
	ApplyHeaders(h, "ua")
	if h.Get("User-Agent") != "ua" {
		t.Errorf("User-Agent = %q, want ua", h.Get("User-Agent"))
	}
	if h.Get("Accept") == "" || h.Get("Accept-Language") == "" {
		t.Error("expected Accept and Accept-Language headers")
	}
}
