package dispatch

import (
	"fmt"
	"html"
	"strings"
	"time"

	"triggermail/internal/types"
)

// expectShipTBD is rendered when the order source reported no expected
// ship date.
const expectShipTBD = "TBD"

// orderDyn builds the named personalization fields shared by every
// order-keyed mailing. Field names match the placeholders in the provider
// templates.
func orderDyn(o types.Order) map[string]string {
	dyn := map[string]string{
		"FIRSTNAME":   o.FirstName,
		"LASTNAME":    o.LastName,
		"ORDERNO":     o.OrderNumber,
		"CUSTNUM":     o.CustomerNumber,
		"SUBTOTAL":    money(o.Subtotal),
		"TAX":         money(o.Tax),
		"SHIPPING":    money(o.ShippingFee),
		"TOTAL":       money(o.Total),
		"SOURCEKEY":   o.SourceKey,
		"EXPECT_SHIP": expectShip(o.ExpectedShip),
	}
	if o.Discount != 0 {
		dyn["DISCOUNT"] = money(o.Discount)
	}
	if o.PromoCode != "" {
		dyn["PROMOCODE"] = o.PromoCode
		dyn["PROMODISCOUNT"] = money(o.PromoDiscount)
	}
	if o.PaymentType != "" {
		dyn["PAYMENTTYPE"] = o.PaymentType
		dyn["PAYMENTLAST4"] = o.PaymentLast4
	}
	if o.TrackingNumber != "" {
		dyn["TRACKINGNO"] = o.TrackingNumber
	}
	return dyn
}

// subscriberDyn builds the fields for the blog subscribe/unsubscribe
// confirmations.
func subscriberDyn(s types.Subscriber) map[string]string {
	return map[string]string{
		"DISPLAYNAME": s.DisplayName,
	}
}

// cartDyn builds the fields for the cart-abandonment nudges.
func cartDyn(c types.AbandonedCart) map[string]string {
	return map[string]string{
		"FIRSTNAME": c.FirstName,
		"CARTID":    c.CartID,
	}
}

// itemRowsContent renders order lines as HTML table rows for the template's
// numbered content block. The provider template supplies the surrounding
// table markup; this block is only the rows.
func itemRowsContent(items []types.OrderItem) string {
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b,
			"<tr><td>%s</td><td>%s</td><td>%d</td><td>%s</td><td>%s</td></tr>",
			html.EscapeString(it.SKU),
			html.EscapeString(it.Description),
			it.Quantity,
			money(it.ListPrice),
			money(float64(it.Quantity)*it.ListPrice),
		)
	}
	return b.String()
}

func money(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func expectShip(t time.Time) string {
	if t.IsZero() {
		return expectShipTBD
	}
	return t.Format("2006-01-02")
}
