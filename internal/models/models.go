// Package models defines the core data structures for PeerMatch.
//
// It includes the pending match request, the wire messages exchanged with
// clients over the broker, and the outcomes delivered back to them.
package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Difficulty bounds accepted on submission and cancellation.
const (
	MinDifficulty = 0
	MaxDifficulty = 5
)

// Default timing used by the engine when nothing is configured.
const (
	// DefaultRequestTimeout is how long a request may stay pending before it expires.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultSweepInterval is the period of the background pairing sweep.
	DefaultSweepInterval = time.Second
)

// Error variables shared by the store, the engine and the transport.
var (
	// ErrDuplicateSubmission is returned when a requester already has a pending request.
	ErrDuplicateSubmission = errors.New("requester already has a pending request")
	// ErrMalformedMessage marks payloads that fail schema validation. They are dropped, never retried.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrTransportUnavailable is returned when the broker connection is lost.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrStoreUnavailable wraps transient storage failures that should be retried.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Bucket groups requests that can be paired with each other.
type Bucket struct {
	Difficulty int    `json:"difficulty"`
	Category   string `json:"category"`
}

// String serializes the bucket as "<difficulty>#<category>".
func (b Bucket) String() string {
	return strconv.Itoa(b.Difficulty) + "#" + b.Category
}

// ParseBucket is the inverse of Bucket.String.
func ParseBucket(s string) (Bucket, error) {
	d, c, ok := strings.Cut(s, "#")
	if !ok {
		return Bucket{}, fmt.Errorf("invalid bucket %q", s)
	}
	difficulty, err := strconv.Atoi(d)
	if err != nil {
		return Bucket{}, fmt.Errorf("invalid bucket difficulty %q: %w", d, err)
	}
	return Bucket{Difficulty: difficulty, Category: c}, nil
}

// MatchRequest is a requester's intent to find a practice partner.
// Only PENDING requests are ever stored; a request is deleted the moment it
// leaves PENDING.
type MatchRequest struct {
	RequesterID string    `json:"requester_id"`
	RequestID   string    `json:"request_id"`
	Difficulty  int       `json:"difficulty"`
	Category    string    `json:"category"`
	ReplyTo     string    `json:"reply_to"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Bucket returns the pairing bucket of the request.
func (r MatchRequest) Bucket() Bucket {
	return Bucket{Difficulty: r.Difficulty, Category: r.Category}
}

// CompatibleWith reports whether r and other may be paired.
func (r MatchRequest) CompatibleWith(other MatchRequest) bool {
	return r.Difficulty == other.Difficulty &&
		r.Category == other.Category &&
		r.RequesterID != other.RequesterID
}

// Remaining returns the time left before the request expires, never negative.
func (r MatchRequest) Remaining(now time.Time) time.Duration {
	if r.ExpiresAt.IsZero() || !r.ExpiresAt.After(now) {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// OutcomeStatus is the terminal status reported to a requester.
type OutcomeStatus string

const (
	OutcomeMatched   OutcomeStatus = "MATCHED"
	OutcomeExpired   OutcomeStatus = "EXPIRED"
	OutcomeCancelled OutcomeStatus = "CANCELLED"
	// OutcomeRejected answers a submission that was not accepted (duplicate).
	OutcomeRejected OutcomeStatus = "REJECTED"
)

// RejectReasonAlreadyPending is the reason attached to duplicate submissions.
const RejectReasonAlreadyPending = "ALREADY_PENDING"

// Outcome is the payload delivered on a request's reply channel.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	PartnerID string        `json:"partnerId,omitempty"`
	MatchID   string        `json:"matchId,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Matched builds the MATCHED outcome for one side of a pair.
func Matched(self MatchRequest, partnerID, matchID string) Outcome {
	return Outcome{Status: OutcomeMatched, PartnerID: partnerID, MatchID: matchID, RequestID: self.RequestID}
}

// Expired builds the EXPIRED outcome for a request.
func Expired(req MatchRequest) Outcome {
	return Outcome{Status: OutcomeExpired, RequestID: req.RequestID}
}

// Cancelled builds the CANCELLED outcome for a request.
func Cancelled(req MatchRequest) Outcome {
	return Outcome{Status: OutcomeCancelled, RequestID: req.RequestID}
}

// Rejected builds the REJECTED outcome for a submission that was not queued.
func Rejected(requestID, reason string) Outcome {
	return Outcome{Status: OutcomeRejected, RequestID: requestID, Reason: reason}
}

// APIStatus represents the status of an admin API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard admin API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
