package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestDecodeSubmit(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"requesterId":"A","difficulty":2,"category":"array"}`, false},
		{"difficulty zero", `{"requesterId":"A","difficulty":0,"category":"array"}`, false},
		{"difficulty five", `{"requesterId":"A","difficulty":5,"category":"tree"}`, false},
		{"missing difficulty", `{"requesterId":"A","category":"array"}`, true},
		{"difficulty too high", `{"requesterId":"A","difficulty":6,"category":"array"}`, true},
		{"negative difficulty", `{"requesterId":"A","difficulty":-1,"category":"array"}`, true},
		{"missing requester", `{"difficulty":2,"category":"array"}`, true},
		{"blank requester", `{"requesterId":"   ","difficulty":2,"category":"array"}`, true},
		{"missing category", `{"requesterId":"A","difficulty":2}`, true},
		{"not json", `not json`, true},
		{"wrong type", `{"requesterId":"A","difficulty":"hard","category":"array"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSubmit([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrMalformedMessage) {
					t.Errorf("expected ErrMalformedMessage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_BlankFields(t *testing.T) {
	ok := SubmitMessage{RequesterID: "A", Difficulty: intPtr(2), Category: "array"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		msg  interface{ Validate() error }
	}{
		{"submit blank category", &SubmitMessage{RequesterID: "A", Difficulty: intPtr(2), Category: " \t"}},
		{"submit blank requester", &SubmitMessage{RequesterID: "  ", Difficulty: intPtr(2), Category: "array"}},
		{"cancel blank requester", &CancelMessage{RequesterID: " ", Difficulty: intPtr(1), Category: "tree"}},
		{"cancel blank category", &CancelMessage{RequesterID: "A", Difficulty: intPtr(1), Category: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			}
			if !strings.Contains(err.Error(), "notblank") {
				t.Errorf("expected notblank failure, got %v", err)
			}
		})
	}
}

func TestDecodeCancel(t *testing.T) {
	m, err := DecodeCancel([]byte(`{"requesterId":"A","difficulty":3,"category":"graph"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.RequesterID != "A" || *m.Difficulty != 3 || m.Category != "graph" {
		t.Errorf("unexpected message: %+v", m)
	}

	if _, err := DecodeCancel([]byte(`{"requesterId":"A"}`)); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestCompatibleWith(t *testing.T) {
	a := MatchRequest{RequesterID: "A", Difficulty: 2, Category: "array"}

	tests := []struct {
		name  string
		other MatchRequest
		want  bool
	}{
		{"same bucket", MatchRequest{RequesterID: "B", Difficulty: 2, Category: "array"}, true},
		{"same requester", MatchRequest{RequesterID: "A", Difficulty: 2, Category: "array"}, false},
		{"other difficulty", MatchRequest{RequesterID: "B", Difficulty: 3, Category: "array"}, false},
		{"category is case sensitive", MatchRequest{RequesterID: "B", Difficulty: 2, Category: "Array"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.CompatibleWith(tt.other); got != tt.want {
				t.Errorf("CompatibleWith() = %v, want %v", got, tt.want)
			}
			if got := tt.other.CompatibleWith(a); got != tt.want {
				t.Errorf("CompatibleWith() is not symmetric")
			}
		})
	}
}

func TestBucketRoundTrip(t *testing.T) {
	b := Bucket{Difficulty: 4, Category: "dynamic#programming"}
	got, err := ParseBucket(b.String())
	if err != nil {
		t.Fatalf("ParseBucket failed: %v", err)
	}
	if got != b {
		t.Errorf("ParseBucket() = %+v, want %+v", got, b)
	}
	if _, err := ParseBucket("nohash"); err == nil {
		t.Error("expected error for bucket without separator")
	}
}

func TestNewRequestAndRemaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := SubmitMessage{RequesterID: "A", Difficulty: intPtr(1), Category: "tree", RequestID: "r1", ReplyTo: "inbox/A"}
	req := m.NewRequest(now, 30*time.Second)

	if req.State != StatePending {
		t.Errorf("expected PENDING, got %s", req.State)
	}
	if got := req.Remaining(now.Add(10 * time.Second)); got != 20*time.Second {
		t.Errorf("Remaining() = %v, want 20s", got)
	}
	if got := req.Remaining(now.Add(time.Minute)); got != 0 {
		t.Errorf("Remaining() past expiry = %v, want 0", got)
	}
}

func TestTransition(t *testing.T) {
	for _, to := range []State{StateMatched, StateCancelled, StateExpired} {
		if err := Transition(StatePending, to); err != nil {
			t.Errorf("Transition(PENDING, %s) failed: %v", to, err)
		}
		if err := Transition(to, StateExpired); err == nil {
			t.Errorf("Transition(%s, EXPIRED) should fail", to)
		}
	}
	if err := Transition(StatePending, StatePending); err == nil {
		t.Error("Transition(PENDING, PENDING) should fail")
	}
	if StateMatched.Outcome() != OutcomeMatched {
		t.Errorf("unexpected outcome for MATCHED: %s", StateMatched.Outcome())
	}
}
