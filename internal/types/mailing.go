package types

import "fmt"

// MailingType identifies a named, template-backed category of transactional
// email. Each type maps to exactly one provider template via the dispatch
// registry; selection happens through a lookup table, never string chains.
type MailingType string

const (
	MailingOrderConfirmation MailingType = "order-confirmation"
	MailingShipConfirmation  MailingType = "ship-confirmation"
	MailingAutoshipPrenotice MailingType = "autoship-prenotice"
	MailingBackorderNotice   MailingType = "backorder-notice"
	MailingBlogSubscribe     MailingType = "blog-subscribe"
	MailingBlogUnsubscribe   MailingType = "blog-unsubscribe"
	MailingCartAbandonShort  MailingType = "cart-abandon-short"
	MailingCartAbandonLong   MailingType = "cart-abandon-long"
	MailingTest              MailingType = "test"
)

// AllMailingTypes lists every dispatchable mailing type in a stable order,
// used for CLI help text and validation.
var AllMailingTypes = []MailingType{
	MailingOrderConfirmation,
	MailingShipConfirmation,
	MailingAutoshipPrenotice,
	MailingBackorderNotice,
	MailingBlogSubscribe,
	MailingBlogUnsubscribe,
	MailingCartAbandonShort,
	MailingCartAbandonLong,
	MailingTest,
}

// ParseMailingType validates a CLI-supplied mailing type selector.
// Unknown selectors are a usage error; the driver must exit non-zero
// before any core operation runs.
func ParseMailingType(s string) (MailingType, error) {
	mt := MailingType(s)
	for _, known := range AllMailingTypes {
		if mt == known {
			return mt, nil
		}
	}
	return "", NewAppError(
		ErrCodeValidationMailingType,
		fmt.Sprintf("unknown mailing type %q", s),
		nil,
	)
}
