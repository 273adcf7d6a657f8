package gateway

// Code is the numeric answer the gateway expects in {"code": N}.
// Anything but CodeOK makes the gateway decline the charge or retry the
// notification.
type Code int

const (
	CodeOK             Code = 0
	CodeMissingAccount Code = 10
	CodeAmountMismatch Code = 12
	CodeRejected       Code = 13
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeMissingAccount:
		return "missing_account"
	case CodeAmountMismatch:
		return "amount_mismatch"
	case CodeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Response is the webhook reply body.
type Response struct {
	Code Code `json:"code"`
}
