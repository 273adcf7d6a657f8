package logger

import (
	"log/slog"
	"time"
)

// Error records err under "error". Nil errors produce an empty Attr, which slog drops.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// UserID records the account identifier under "user_id".
func UserID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("user_id", id)
}

// SessionID records a checkout session under "session_id".
func SessionID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("session_id", id)
}

// SubscriptionID records a local subscription id under "subscription_id".
func SubscriptionID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("subscription_id", id)
}

// ExternalSubscriptionID records the gateway-assigned subscription id.
func ExternalSubscriptionID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("external_subscription_id", id)
}

// TransactionID records the gateway transaction id under "transaction_id".
func TransactionID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("transaction_id", id)
}

// EventKind records the webhook kind (check, pay, ...) under "event_kind".
func EventKind(kind string) slog.Attr {
	return slog.String("event_kind", kind)
}

func Plan(name string) slog.Attr {
	return slog.String("plan", name)
}

func Code(code int) slog.Attr {
	return slog.Int("code", code)
}

func Job(name string) slog.Attr {
	return slog.String("job", name)
}

func Count(name string, n int64) slog.Attr {
	return slog.Int64(name, n)
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

func RetryCount(count int) slog.Attr {
	return slog.Int("retry_count", count)
}

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}
