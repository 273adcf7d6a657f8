package gateway

import "time"

// Kind discriminates webhook notifications. It comes from the "type" query
// parameter, never from the payload shape.
type Kind string

const (
	KindCheck     Kind = "check"
	KindPay       Kind = "pay"
	KindFail      Kind = "fail"
	KindRecurrent Kind = "recurrent"
	KindCancel    Kind = "cancel"
)

// ParseKind validates a discriminator value.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindCheck, KindPay, KindFail, KindRecurrent, KindCancel:
		return k, nil
	default:
		return "", ErrUnknownKind
	}
}

// Event is the closed set of notifications: Check, Pay, Fail, Recurrent, Cancel.
type Event interface {
	Kind() Kind
	event()
}

// Metadata is the JSON object the checkout widget attaches as Data.
type Metadata struct {
	PlanName  string `json:"planName,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	IsTrial   bool   `json:"isTrial,omitempty"`
}

// Transaction holds the fields shared by check, pay and fail notifications.
// Amount is in minor units.
type Transaction struct {
	TransactionID  string
	Amount         int64
	Currency       string
	AccountID      string
	SubscriptionID string
	InvoiceID      string
	Email          string
	Data           Metadata
	DateTime       time.Time
	Test           bool
}

// Card is the tokenized card the gateway charged.
type Card struct {
	Token    string
	FirstSix string
	LastFour string
	Type     string
	ExpDate  string
}

// Mask renders the card as "411111******1111" style text, or "" when unknown.
func (c Card) Mask() string {
	if c.FirstSix == "" && c.LastFour == "" {
		return ""
	}
	return c.FirstSix + "******" + c.LastFour
}

// Check asks whether a charge may proceed. Answering it must not mutate state.
type Check struct {
	Transaction
}

// Pay reports a successful charge.
type Pay struct {
	Transaction
	Card Card
}

// Fail reports a declined charge.
type Fail struct {
	Transaction
	Reason     string
	ReasonCode int
}

// RecurrentStatus is the gateway subscription state after a scheduled charge.
type RecurrentStatus string

const (
	RecurrentActive    RecurrentStatus = "Active"
	RecurrentPastDue   RecurrentStatus = "PastDue"
	RecurrentCancelled RecurrentStatus = "Cancelled"
	RecurrentRejected  RecurrentStatus = "Rejected"
	RecurrentExpired   RecurrentStatus = "Expired"
)

// Terminal reports whether the gateway stopped charging this subscription.
func (s RecurrentStatus) Terminal() bool {
	return s == RecurrentCancelled || s == RecurrentRejected || s == RecurrentExpired
}

// Recurrent reports the state of a gateway subscription after a scheduled charge.
type Recurrent struct {
	SubscriptionID      string
	AccountID           string
	Status              RecurrentStatus
	Amount              int64
	Currency            string
	Description         string
	SuccessfulCount     int
	FailedCount         int
	NextTransactionDate time.Time
	LastTransactionDate time.Time
}

// Cancel reports a voided transaction or a cancelled gateway subscription.
// Transaction level voids carry no SubscriptionID.
type Cancel struct {
	TransactionID  string
	SubscriptionID string
	AccountID      string
	Amount         int64
	Currency       string
	DateTime       time.Time
}

func (Check) Kind() Kind     { return KindCheck }
func (Pay) Kind() Kind       { return KindPay }
func (Fail) Kind() Kind      { return KindFail }
func (Recurrent) Kind() Kind { return KindRecurrent }
func (Cancel) Kind() Kind    { return KindCancel }

func (Check) event()     {}
func (Pay) event()       {}
func (Fail) event()      {}
func (Recurrent) event() {}
func (Cancel) event()    {}
