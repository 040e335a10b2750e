package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserBaseline is the running behavioral profile for a single user.
// One baseline exists per user; it is created lazily on the first
// transaction seen and updated exactly once per evaluated transaction.
//
// Access must be serialized per user. The baseline store owns that
// serialization; nothing else should mutate a baseline directly.
type UserBaseline struct {
	UserID string `json:"userId"`

	// Amount statistics, maintained by a single-pass online update.
	TransactionCount int             `json:"transactionCount"`
	AvgAmount        decimal.Decimal `json:"avgAmount"`
	StdAmount        decimal.Decimal `json:"stdAmount"`
	MinAmount        decimal.Decimal `json:"minAmount"`
	MaxAmount        decimal.Decimal `json:"maxAmount"`

	// Temporal pattern. MostCommonHour is nil until the first update.
	HourHistogram  map[int]int `json:"hourHistogram"`
	MostCommonHour *int        `json:"mostCommonHour,omitempty"`

	// Merchant pattern
	MerchantCategories map[string]int      `json:"merchantCategories"`
	KnownMerchants     map[string]struct{} `json:"knownMerchants"`

	// Location pattern
	LocationStates    map[string]int `json:"locationStates"`
	LocationCountries map[string]int `json:"locationCountries"`

	// Devices
	KnownDevices map[string]struct{} `json:"knownDevices"`

	// Last transaction pointers
	LastTransactionTime    *time.Time `json:"lastTransactionTime,omitempty"`
	LastTransactionState   string     `json:"lastTransactionState,omitempty"`
	LastTransactionCountry string     `json:"lastTransactionCountry,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewUserBaseline returns an empty baseline for a user.
func NewUserBaseline(userID string) *UserBaseline {
	return &UserBaseline{
		UserID:             userID,
		AvgAmount:          decimal.Zero,
		StdAmount:          decimal.Zero,
		MinAmount:          decimal.Zero,
		MaxAmount:          decimal.Zero,
		HourHistogram:      make(map[int]int),
		MerchantCategories: make(map[string]int),
		KnownMerchants:     make(map[string]struct{}),
		LocationStates:     make(map[string]int),
		LocationCountries:  make(map[string]int),
		KnownDevices:       make(map[string]struct{}),
	}
}

// KnowsDevice reports whether the device has been seen before.
func (b *UserBaseline) KnowsDevice(deviceID string) bool {
	_, ok := b.KnownDevices[deviceID]
	return ok
}

// KnowsMerchant reports whether the merchant has been seen before.
func (b *UserBaseline) KnowsMerchant(merchantID string) bool {
	_, ok := b.KnownMerchants[merchantID]
	return ok
}

// Clone returns a deep copy of the baseline. Scoring runs against a clone
// so a concurrent update for the same user cannot mutate it mid-read.
func (b *UserBaseline) Clone() *UserBaseline {
	c := *b
	c.HourHistogram = make(map[int]int, len(b.HourHistogram))
	for k, v := range b.HourHistogram {
		c.HourHistogram[k] = v
	}
	c.MerchantCategories = make(map[string]int, len(b.MerchantCategories))
	for k, v := range b.MerchantCategories {
		c.MerchantCategories[k] = v
	}
	c.KnownMerchants = make(map[string]struct{}, len(b.KnownMerchants))
	for k := range b.KnownMerchants {
		c.KnownMerchants[k] = struct{}{}
	}
	c.LocationStates = make(map[string]int, len(b.LocationStates))
	for k, v := range b.LocationStates {
		c.LocationStates[k] = v
	}
	c.LocationCountries = make(map[string]int, len(b.LocationCountries))
	for k, v := range b.LocationCountries {
		c.LocationCountries[k] = v
	}
	c.KnownDevices = make(map[string]struct{}, len(b.KnownDevices))
	for k := range b.KnownDevices {
		c.KnownDevices[k] = struct{}{}
	}
	if b.MostCommonHour != nil {
		h := *b.MostCommonHour
		c.MostCommonHour = &h
	}
	if b.LastTransactionTime != nil {
		t := *b.LastTransactionTime
		c.LastTransactionTime = &t
	}
	return &c
}
