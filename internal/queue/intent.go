package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedIntent marks a message body that can never be settled.
var ErrMalformedIntent = errors.New("malformed transfer intent")

// TransferIntent is the queue payload: a denormalized snapshot of a submitted
// transaction. Amount travels as a string to keep its exact decimal form.
type TransferIntent struct {
	Identifier string `json:"identifier"`
	SourceUser string `json:"source_user"`
	TargetUser string `json:"target_user"`
	Currency   string `json:"currency_type"`
	Amount     string `json:"amount"`
	Signature  string `json:"signature"`
}

// Encode serializes the intent for the wire.
func (i TransferIntent) Encode() ([]byte, error) {
	return json.Marshal(i)
}

// DecodeIntent parses a message body. Field-level validation (currency,
// amount) is the settlement worker's job, since those faults reject the
// transaction; only bodies without an identifier are unusable here.
func DecodeIntent(body []byte) (TransferIntent, error) {
	var i TransferIntent
	if err := json.Unmarshal(body, &i); err != nil {
		return TransferIntent{}, fmt.Errorf("%w: %v", ErrMalformedIntent, err)
	}
	if i.Identifier == "" {
		return TransferIntent{}, fmt.Errorf("%w: missing identifier", ErrMalformedIntent)
	}
	return i, nil
}
