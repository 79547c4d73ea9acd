package billing

import (
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
)

// StripeConfig holds configuration for the Stripe metered-billing provider
type StripeConfig struct {
	// SecretKey is the Stripe secret API key (sk_test_xxx or sk_live_xxx)
	SecretKey string `json:"secret_key" mapstructure:"secret_key"`

	// IsTestMode indicates if using Stripe test mode
	IsTestMode bool `json:"is_test_mode" mapstructure:"is_test_mode"`

	// SubscriptionItemPrefix is prepended to a tenant's external billing
	// reference when it does not already name a subscription item
	SubscriptionItemPrefix string `json:"subscription_item_prefix" mapstructure:"subscription_item_prefix"`
}

// Validate validates the Stripe configuration
func (c *StripeConfig) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("stripe: secret key is required")
	}

	// Validate key format
	if c.IsTestMode {
		if len(c.SecretKey) > 7 && c.SecretKey[:7] != "sk_test" {
			return fmt.Errorf("stripe: test mode enabled but secret key is not a test key")
		}
	} else {
		if len(c.SecretKey) > 7 && c.SecretKey[:7] != "sk_live" {
			return fmt.Errorf("stripe: live mode enabled but secret key is not a live key")
		}
	}

	return nil
}

// ResolveSubscriptionItem maps a tenant's external billing reference to the
// Stripe subscription item the usage is reported against
func (c *StripeConfig) ResolveSubscriptionItem(externalRef string) string {
	if strings.HasPrefix(externalRef, "si_") || c.SubscriptionItemPrefix == "" {
		return externalRef
	}
	return c.SubscriptionItemPrefix + externalRef
}

// InitStripeClient initializes the Stripe client with the configured API key
func (c *StripeConfig) InitStripeClient() {
	stripe.Key = c.SecretKey
}
