package models

import "testing"

func TestSessionStatusTransitions(t *testing.T) {
	testCases := []struct {
		from SessionStatus
		to   SessionStatus
		ok   bool
	}{
		{StatusPreparing, StatusLive, true},
		{StatusPreparing, StatusError, true},
		{StatusPreparing, StatusEnded, false},
		{StatusLive, StatusEnded, true},
		{StatusLive, StatusError, true},
		{StatusLive, StatusPreparing, false},
		{StatusEnded, StatusLive, false},
		{StatusEnded, StatusError, false},
		{StatusError, StatusPreparing, false},
	}
	for _, tc := range testCases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestRenditionBandwidth(t *testing.T) {
	spec := RenditionSpec{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2800, AudioBitrate: 128}
	if got := spec.Bandwidth(); got != 2928000 {
		t.Fatalf("expected bandwidth 2928000, got %d", got)
	}
	if got := spec.Resolution(); got != "1280x720" {
		t.Fatalf("expected resolution 1280x720, got %s", got)
	}
}
