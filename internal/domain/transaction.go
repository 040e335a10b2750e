package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction represents an incoming payment transaction to be scored.
// The core pipeline never mutates a Transaction; risk annotations are
// produced separately as an EvaluationResult.
type Transaction struct {
	ID     string `json:"transactionId"`
	UserID string `json:"userId"`

	// Financial details
	Amount decimal.Decimal `json:"amount"`

	// Merchant
	MerchantID       string `json:"merchantId"`
	MerchantCategory string `json:"merchantCategory"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`

	// Device and location
	DeviceID        string `json:"deviceId"`
	LocationState   string `json:"locationState"`
	LocationCountry string `json:"locationCountry"`

	// Channel (e.g., "online", "pos", "atm")
	Channel string `json:"channel"`
}

// TransactionRequest is the API request payload for transaction scoring.
type TransactionRequest struct {
	TransactionID    string          `json:"transactionId"`
	UserID           string          `json:"userId"`
	Amount           decimal.Decimal `json:"amount"`
	MerchantID       string          `json:"merchantId"`
	MerchantCategory string          `json:"merchantCategory"`
	Timestamp        *time.Time      `json:"timestamp,omitempty"`
	DeviceID         string          `json:"deviceId"`
	LocationState    string          `json:"locationState"`
	LocationCountry  string          `json:"locationCountry"`
	Channel          string          `json:"channel"`
}

// Validate checks that all fields required by the scoring pipeline are present.
// The pipeline contract requires a fully populated transaction; violating this
// is the caller's error and must be rejected before any scoring occurs.
func (r *TransactionRequest) Validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	case r.MerchantID == "":
		return fmt.Errorf("%w: merchantId is required", ErrInvalidInput)
	case r.MerchantCategory == "":
		return fmt.Errorf("%w: merchantCategory is required", ErrInvalidInput)
	case r.DeviceID == "":
		return fmt.Errorf("%w: deviceId is required", ErrInvalidInput)
	case r.LocationState == "":
		return fmt.Errorf("%w: locationState is required", ErrInvalidInput)
	case r.LocationCountry == "":
		return fmt.Errorf("%w: locationCountry is required", ErrInvalidInput)
	case r.Channel == "":
		return fmt.Errorf("%w: channel is required", ErrInvalidInput)
	}
	return nil
}

// ToTransaction converts a request to a Transaction domain object.
// The transaction ID and timestamp are filled in when the caller omitted them.
func (r *TransactionRequest) ToTransaction(newID func() string) *Transaction {
	id := r.TransactionID
	if id == "" {
		id = newID()
	}
	ts := time.Now().UTC()
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &Transaction{
		ID:               id,
		UserID:           r.UserID,
		Amount:           r.Amount,
		MerchantID:       r.MerchantID,
		MerchantCategory: r.MerchantCategory,
		Timestamp:        ts,
		DeviceID:         r.DeviceID,
		LocationState:    r.LocationState,
		LocationCountry:  r.LocationCountry,
		Channel:          r.Channel,
	}
}

// Hour returns the transaction's hour of day in [0,23].
func (t *Transaction) Hour() int {
	return t.Timestamp.Hour()
}
