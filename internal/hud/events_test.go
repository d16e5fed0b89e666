package hud

import "testing"

func TestCategoryForStatus(t *testing.T) {
	cases := map[string]string{
		"confirmed":     "confirmed",
		"failed":        "failed",
		"timeout":       "processed",
		"evaluation":    "unknown",
		"trailing_stop": "unknown",
		"":              "unknown",
	}
	for status, want := range cases {
		if got := CategoryForStatus(status); got != want {
			t.Errorf("CategoryForStatus(%q) = %q, want %q", status, got, want)
		}
	}
}

func TestDedupeKeyDistinguishesStatus(t *testing.T) {
	a := Event{Txid: "tx", ObservedAt: "2026-08-24T00:00:00Z", Status: "confirmed"}
	b := Event{Txid: "tx", ObservedAt: "2026-08-24T00:00:00Z", Status: "failed"}
	if a.DedupeKey() == b.DedupeKey() {
		t.Error("events with different status must not collide")
	}
	if a.DedupeKey() != (Event{Txid: "tx", ObservedAt: "2026-08-24T00:00:00Z", Status: "confirmed"}).DedupeKey() {
		t.Error("identical events must collide")
	}
}
