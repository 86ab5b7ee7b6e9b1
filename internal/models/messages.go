package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// messageValidate is shared by every inbound message type.
var messageValidate *validator.Validate

func init() {
	messageValidate = validator.New()

	// notblank rejects whitespace-only ids and categories.
	_ = messageValidate.RegisterValidation("notblank", validators.NotBlank)
}

// SubmitMessage is sent by a client on the intake queue to ask for a partner.
// Difficulty is a pointer so that a missing field is distinguishable from 0.
type SubmitMessage struct {
	RequesterID string `json:"requesterId" validate:"required,notblank,max=128"`
	Difficulty  *int   `json:"difficulty" validate:"required,min=0,max=5"`
	Category    string `json:"category" validate:"required,notblank,max=64"`
	RequestID   string `json:"requestId,omitempty" validate:"omitempty,max=128"`
	ReplyTo     string `json:"replyTo,omitempty"`
}

// CancelMessage withdraws a pending request. Difficulty and category are the
// attributes the client believes are active and act as an optimistic check.
type CancelMessage struct {
	RequesterID string `json:"requesterId" validate:"required,notblank,max=128"`
	Difficulty  *int   `json:"difficulty" validate:"required,min=0,max=5"`
	Category    string `json:"category" validate:"required,notblank,max=64"`
}

// Validate checks the message against its schema.
func (m *SubmitMessage) Validate() error {
	return validateMessage(m)
}

// Validate checks the message against its schema.
func (m *CancelMessage) Validate() error {
	return validateMessage(m)
}

// NewRequest builds the PENDING MatchRequest for an accepted submission.
func (m *SubmitMessage) NewRequest(now time.Time, timeout time.Duration) MatchRequest {
	return MatchRequest{
		RequesterID: m.RequesterID,
		RequestID:   m.RequestID,
		Difficulty:  *m.Difficulty,
		Category:    m.Category,
		ReplyTo:     m.ReplyTo,
		State:       StatePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
	}
}

func validateMessage(m interface{}) error {
	if err := messageValidate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q", ErrMalformedMessage, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// DecodeSubmit parses and validates a submission payload.
func DecodeSubmit(body []byte) (SubmitMessage, error) {
	var m SubmitMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// DecodeCancel parses and validates a cancellation payload.
func DecodeCancel(body []byte) (CancelMessage, error) {
	var m CancelMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// DecodeOutcome parses an outcome received on a reply channel.
func DecodeOutcome(body []byte) (Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(body, &o); err != nil {
		return o, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if o.Status == "" {
		return o, fmt.Errorf("%w: outcome without status", ErrMalformedMessage)
	}
	return o, nil
}
