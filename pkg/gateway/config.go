package gateway

import "time"

// Config holds gateway credentials. PublicID and APISecret authenticate REST
// calls; WebhookSecret verifies Content-HMAC on inbound notifications and is
// usually equal to APISecret.
type Config struct {
	PublicID      string        `env:"GATEWAY_PUBLIC_ID"`
	APISecret     string        `env:"GATEWAY_API_SECRET"`
	WebhookSecret string        `env:"GATEWAY_WEBHOOK_SECRET"`
	BaseURL       string        `env:"GATEWAY_BASE_URL" envDefault:"https://api.cloudpayments.ru"`
	Timeout       time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	MaxRetries    int           `env:"GATEWAY_MAX_RETRIES" envDefault:"2"`
	RatePerSecond float64       `env:"GATEWAY_RATE_PER_SECOND" envDefault:"5"`
}
