package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// InstrumentStatus reports whether the original payment instrument can still
// receive a refund. When Usable is false the refund is routed to the buyer's
// account balance instead.
type InstrumentStatus struct {
	Token    string
	Usable   bool
	Reason   string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

type stripePaymentMethodAPI interface {
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
}

// StripeInstrumentCheckerConfig configures the StripeInstrumentChecker.
type StripeInstrumentCheckerConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Clock     func() time.Time

	// API overrides the Stripe client, primarily for tests.
	API stripePaymentMethodAPI
}

// StripeInstrumentChecker looks up payment instruments in Stripe to decide
// whether a refund can be returned to the original instrument.
type StripeInstrumentChecker struct {
	api     stripePaymentMethodAPI
	account string
	clock   func() time.Time
}

// NewStripeInstrumentChecker constructs a checker using the provided configuration.
func NewStripeInstrumentChecker(cfg StripeInstrumentCheckerConfig) (*StripeInstrumentChecker, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	api := cfg.API
	if api == nil {
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sc := client.New(apiKey, cfg.Backends)
		api = sc.PaymentMethods
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &StripeInstrumentChecker{
		api:     api,
		account: strings.TrimSpace(cfg.AccountID),
		clock:   func() time.Time { return clock().UTC() },
	}, nil
}

// CheckInstrument fetches the payment method and reports whether it can still
// accept a refund. Missing or detached instruments are reported as unusable
// rather than as errors so callers can fall back to an account balance credit.
func (c *StripeInstrumentChecker) CheckInstrument(ctx context.Context, token string) (InstrumentStatus, error) {
	if c == nil {
		return InstrumentStatus{}, errors.New("stripe: instrument checker is nil")
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return InstrumentStatus{}, errors.New("stripe: payment instrument token is required")
	}

	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	if c.account != "" {
		params.SetStripeAccount(c.account)
	}

	pm, err := c.api.Get(token, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			switch stripeErr.Code {
			case stripe.ErrorCodeResourceMissing:
				return InstrumentStatus{Token: token, Usable: false, Reason: "instrument_not_found"}, nil
			case stripe.ErrorCodeExpiredCard:
				return InstrumentStatus{Token: token, Usable: false, Reason: "card_expired"}, nil
			}
		}
		return InstrumentStatus{}, err
	}

	status := InstrumentStatus{Token: token, Usable: true}
	if pm == nil {
		return InstrumentStatus{Token: token, Usable: false, Reason: "instrument_not_found"}, nil
	}
	if trimmed := strings.TrimSpace(pm.ID); trimmed != "" {
		status.Token = trimmed
	}

	if pm.Type == stripe.PaymentMethodTypeCard && pm.Card != nil {
		status.Brand = strings.ToLower(string(pm.Card.Brand))
		status.Last4 = strings.TrimSpace(pm.Card.Last4)
		status.ExpMonth = int(pm.Card.ExpMonth)
		status.ExpYear = int(pm.Card.ExpYear)

		if cardExpired(int(pm.Card.ExpYear), int(pm.Card.ExpMonth), c.clock()) {
			status.Usable = false
			status.Reason = "card_expired"
		}
	}

	return status, nil
}

// InstrumentUsable is the narrow yes/no view of CheckInstrument used by refund
// settlement.
func (c *StripeInstrumentChecker) InstrumentUsable(ctx context.Context, token string) (bool, error) {
	status, err := c.CheckInstrument(ctx, token)
	if err != nil {
		return false, err
	}
	return status.Usable, nil
}

// cardExpired reports whether the expiry month has fully elapsed. A card
// expiring this month is still usable through the end of the month.
func cardExpired(year, month int, now time.Time) bool {
	if year == 0 || month == 0 {
		return false
	}
	if year != now.Year() {
		return year < now.Year()
	}
	return time.Month(month) < now.Month()
}
