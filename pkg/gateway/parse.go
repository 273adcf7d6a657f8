package gateway

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Parse turns normalized fields into the typed event for kind. Any field that
// is present but unparsable, or a missing required field, yields
// ErrMalformedPayload.
func Parse(kind Kind, f Fields) (Event, error) {
	switch kind {
	case KindCheck:
		tx, err := parseTransaction(f)
		if err != nil {
			return nil, err
		}
		return Check{Transaction: tx}, nil

	case KindPay:
		tx, err := parseTransaction(f)
		if err != nil {
			return nil, err
		}
		return Pay{Transaction: tx, Card: Card{
			Token:    f.Get("Token"),
			FirstSix: f.Get("CardFirstSix"),
			LastFour: f.Get("CardLastFour"),
			Type:     f.Get("CardType"),
			ExpDate:  f.Get("CardExpDate"),
		}}, nil

	case KindFail:
		tx, err := parseTransaction(f)
		if err != nil {
			return nil, err
		}
		code, err := optionalInt(f, "ReasonCode")
		if err != nil {
			return nil, err
		}
		return Fail{Transaction: tx, Reason: f.Get("Reason"), ReasonCode: code}, nil

	case KindRecurrent:
		return parseRecurrent(f)

	case KindCancel:
		return parseCancel(f)

	default:
		return nil, ErrUnknownKind
	}
}

func parseTransaction(f Fields) (Transaction, error) {
	tx := Transaction{
		TransactionID:  f.Get("TransactionId"),
		Currency:       strings.ToUpper(f.Get("Currency")),
		AccountID:      f.Get("AccountId"),
		SubscriptionID: f.Get("SubscriptionId"),
		InvoiceID:      f.Get("InvoiceId"),
		Email:          f.Get("Email"),
		Test:           parseBool(f.Get("TestMode")),
	}
	if tx.TransactionID == "" {
		return Transaction{}, fmt.Errorf("%w: TransactionId is required", ErrMalformedPayload)
	}

	amount, err := ParseAmount(f.Get("Amount"))
	if err != nil {
		return Transaction{}, err
	}
	tx.Amount = amount

	if tx.Data, err = parseMetadata(f.Get("Data", "JsonData")); err != nil {
		return Transaction{}, err
	}
	if tx.DateTime, err = optionalTime(f, "DateTime"); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func parseRecurrent(f Fields) (Recurrent, error) {
	r := Recurrent{
		SubscriptionID: f.Get("Id", "SubscriptionId"),
		AccountID:      f.Get("AccountId"),
		Status:         RecurrentStatus(f.Get("Status")),
		Currency:       strings.ToUpper(f.Get("Currency")),
		Description:    f.Get("Description"),
	}
	if r.SubscriptionID == "" && r.AccountID == "" {
		return Recurrent{}, fmt.Errorf("%w: Id or AccountId is required", ErrMalformedPayload)
	}
	switch r.Status {
	case RecurrentActive, RecurrentPastDue, RecurrentCancelled, RecurrentRejected, RecurrentExpired:
	default:
		return Recurrent{}, fmt.Errorf("%w: unknown Status %q", ErrMalformedPayload, r.Status)
	}

	var err error
	if raw := f.Get("Amount"); raw != "" {
		if r.Amount, err = ParseAmount(raw); err != nil {
			return Recurrent{}, err
		}
	}
	if r.SuccessfulCount, err = optionalInt(f, "SuccessfulTransactionsNumber"); err != nil {
		return Recurrent{}, err
	}
	if r.FailedCount, err = optionalInt(f, "FailedTransactionsNumber"); err != nil {
		return Recurrent{}, err
	}
	if r.NextTransactionDate, err = optionalTime(f, "NextTransactionDate"); err != nil {
		return Recurrent{}, err
	}
	if r.LastTransactionDate, err = optionalTime(f, "LastTransactionDate"); err != nil {
		return Recurrent{}, err
	}
	return r, nil
}

func parseCancel(f Fields) (Cancel, error) {
	c := Cancel{
		TransactionID:  f.Get("TransactionId"),
		SubscriptionID: f.Get("SubscriptionId", "Id"),
		AccountID:      f.Get("AccountId"),
		Currency:       strings.ToUpper(f.Get("Currency")),
	}
	if c.TransactionID == "" && c.SubscriptionID == "" {
		return Cancel{}, fmt.Errorf("%w: TransactionId or SubscriptionId is required", ErrMalformedPayload)
	}
	var err error
	if raw := f.Get("Amount"); raw != "" {
		if c.Amount, err = ParseAmount(raw); err != nil {
			return Cancel{}, err
		}
	}
	if c.DateTime, err = optionalTime(f, "DateTime"); err != nil {
		return Cancel{}, err
	}
	return c, nil
}

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

// ParseAmount converts a major-unit decimal string ("1999.00") to minor units.
// Fractions below one minor unit are rejected rather than rounded, and so are
// amounts that do not fit in int64.
func ParseAmount(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	minor := d.Shift(2)
	if !minor.IsInteger() || minor.IsNegative() || minor.GreaterThan(maxMinorUnits) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return minor.IntPart(), nil
}

// FormatAmount renders minor units as the major-unit decimal the API expects.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// parseMetadata accepts the widget's Data object. isTrial may arrive as a
// JSON bool or as a string.
func parseMetadata(raw string) (Metadata, error) {
	if raw == "" {
		return Metadata{}, nil
	}
	var m struct {
		PlanName  string          `json:"planName"`
		SessionID string          `json:"sessionId"`
		IsTrial   json.RawMessage `json:"isTrial"`
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}, fmt.Errorf("%w: Data: %w", ErrMalformedPayload, err)
	}
	return Metadata{
		PlanName:  strings.TrimSpace(m.PlanName),
		SessionID: strings.TrimSpace(m.SessionID),
		IsTrial:   parseBool(strings.Trim(string(m.IsTrial), `"`)),
	}, nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

func optionalInt(f Fields, key string) (int, error) {
	raw := f.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, key, err)
	}
	return n, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02.01.2006 15:04:05",
}

// optionalTime parses gateway timestamps, which are UTC without a zone marker.
func optionalTime(f Fields, key string) (time.Time, error) {
	raw := f.Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s: unrecognized time %q", ErrMalformedPayload, key, raw)
}
