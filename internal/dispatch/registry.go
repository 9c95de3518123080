// Package dispatch implements the mailing driver: it pulls a batch of
// business events for one mailing type, gates every event through the send
// ledger, triggers the notification provider, and records the outcome.
package dispatch

import (
	"triggermail/internal/types"
)

// MailingDef describes one mailing type: which provider template renders it,
// the fixed random tag the provider pairs with that template, and the
// per-template encrypt key. Dispatch behavior is selected through the
// registry lookup table; nothing branches on mailing-type strings.
type MailingDef struct {
	TemplateID int64
	Random     string
	EncryptKey types.SecretString
}

// EncryptKeys carries the per-template encrypt keys from configuration.
// Each provider template has its own key; a send with the wrong key is
// rejected upstream.
type EncryptKeys struct {
	Test              types.SecretString
	OrderConfirmation types.SecretString
	ShipConfirmation  types.SecretString
	AutoshipPrenotice types.SecretString
	BackorderNotice   types.SecretString
	BlogSubscribe     types.SecretString
	BlogUnsubscribe   types.SecretString
	CartAbandonShort  types.SecretString
	CartAbandonLong   types.SecretString
}

// Registry maps every mailing type to its definition.
type Registry map[types.MailingType]MailingDef

// Template identifiers and random tags are assigned by the provider when a
// transactional template is published and never change afterwards.
var templateIDs = map[types.MailingType]struct {
	id     int64
	random string
}{
	types.MailingTest:              {15367, "FA6100040001FF8C"},
	types.MailingShipConfirmation:  {1532948, "952110747E020009"},
	types.MailingOrderConfirmation: {1532947, "9D1F8080000474AA"},
	types.MailingCartAbandonShort:  {1537405, "8B97E04E82020001"},
	types.MailingCartAbandonLong:   {1531070, "608D795E7C020060"},
	types.MailingAutoshipPrenotice: {1536856, "76FC140010000D9E"},
	types.MailingBackorderNotice:   {1536855, "1E78EC9828002001"},
	types.MailingBlogSubscribe:     {1537448, "40002FB46B8B5040"},
	types.MailingBlogUnsubscribe:   {1537449, "AF2D41010000D38A"},
}

// NewRegistry builds the mailing lookup table from the configured keys.
func NewRegistry(keys EncryptKeys) Registry {
	byType := map[types.MailingType]types.SecretString{
		types.MailingTest:              keys.Test,
		types.MailingOrderConfirmation: keys.OrderConfirmation,
		types.MailingShipConfirmation:  keys.ShipConfirmation,
		types.MailingAutoshipPrenotice: keys.AutoshipPrenotice,
		types.MailingBackorderNotice:   keys.BackorderNotice,
		types.MailingBlogSubscribe:     keys.BlogSubscribe,
		types.MailingBlogUnsubscribe:   keys.BlogUnsubscribe,
		types.MailingCartAbandonShort:  keys.CartAbandonShort,
		types.MailingCartAbandonLong:   keys.CartAbandonLong,
	}

	reg := make(Registry, len(templateIDs))
	for mt, tpl := range templateIDs {
		reg[mt] = MailingDef{
			TemplateID: tpl.id,
			Random:     tpl.random,
			EncryptKey: byType[mt],
		}
	}
	return reg
}

// Lookup returns the definition for a mailing type. The boolean is false
// only for mailing types that never entered the registry, which ParseMailingType
// already rules out at the CLI boundary.
func (r Registry) Lookup(mt types.MailingType) (MailingDef, bool) {
	def, ok := r[mt]
	return def, ok
}
