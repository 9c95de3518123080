// Package orders adapts the order-management database to the dispatcher.
// The order system exposes its email feeds as stored procedures; this
// package invokes them and maps the loosely-typed result rows into explicit
// Order structs with per-field defaulting rules, so no other package ever
// touches a raw row.
package orders

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"triggermail/internal/types"
)

// DBTX is the minimal query interface shared by *pgxpool.Pool and pgx.Tx.
// The order database is a separate connection from the dispatcher's own
// state store, so the adapter carries its own copy of the contract.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// orderColumns is the column list every email-feed procedure returns.
// One row per order line; rows sharing order_no merge into one Order.
const orderColumns = `order_no, cust_num, first_name, last_name, email,
	ship_addr1, ship_addr2, ship_city, ship_state, ship_zip, ship_country,
	bill_addr1, bill_addr2, bill_city, bill_state, bill_zip, bill_country,
	sku, description, quantity, list_price, unit_price, ext_price,
	tax, shipping_fee, subtotal, total, discount, promo_code, promo_discount,
	payment_type, payment_last4, tracking_no, source_key, expect_ship`

// Source pulls order batches from the order-management database.
type Source struct {
	db     DBTX
	logger *slog.Logger
}

// NewSource creates an order Source over the given connection.
func NewSource(db DBTX, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{db: db, logger: logger}
}

// NewOrders returns orders taken since the last dispatch run, for the
// order-confirmation mailing.
func (s *Source) NewOrders(ctx context.Context) ([]types.Order, error) {
	return s.fetch(ctx, "emailer_get_new_orders")
}

// ShippedOrders returns orders shipped since the last dispatch run, with
// tracking numbers populated, for the ship-confirmation mailing.
func (s *Source) ShippedOrders(ctx context.Context) ([]types.Order, error) {
	return s.fetch(ctx, "emailer_get_shipped_orders")
}

// Backorders returns orders with backordered lines for the backorder notice.
func (s *Source) Backorders(ctx context.Context) ([]types.Order, error) {
	return s.fetch(ctx, "emailer_get_backorders")
}

// AutoshipPrenotice returns upcoming autoship orders, expect_ship populated,
// for the pre-shipment notice.
func (s *Source) AutoshipPrenotice(ctx context.Context) ([]types.Order, error) {
	return s.fetch(ctx, "autoship_prenotice")
}

// StockUnits returns the on-hand quantity for a SKU, consumed by the
// catalog export. Unknown SKUs report zero.
func (s *Source) StockUnits(ctx context.Context, sku string) (int, error) {
	var units *int
	err := s.db.QueryRow(ctx,
		`SELECT units FROM stock WHERE number = $1`, sku,
	).Scan(&units)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeUpstreamOrderSource, "failed to query stock units", err)
	}
	if units == nil {
		return 0, nil
	}
	return *units, nil
}

// fetch invokes one email-feed procedure and merges its rows into orders.
func (s *Source) fetch(ctx context.Context, procedure string) ([]types.Order, error) {
	rows, err := s.db.Query(ctx, `SELECT `+orderColumns+` FROM `+procedure+`()`)
	if err != nil {
		s.logger.Error("order feed query failed", "procedure", procedure, "error", err)
		return nil, types.NewAppError(
			types.ErrCodeUpstreamOrderSource,
			"failed to query order feed "+procedure,
			err,
		)
	}
	defer rows.Close()

	orders, err := mergeRows(rows)
	if err != nil {
		return nil, err
	}

	s.logger.Info("fetched order feed", "procedure", procedure, "orders", len(orders))
	return orders, nil
}

// orderRow is one raw feed row. Money and text columns are nullable in the
// legacy schema; pointers capture that so defaulting is explicit in one
// place instead of scattered per call site.
type orderRow struct {
	orderNo   string
	custNum   *string
	firstName *string
	lastName  *string
	email     *string

	shipAddr1, shipAddr2, shipCity, shipState, shipZip, shipCountry *string
	billAddr1, billAddr2, billCity, billState, billZip, billCountry *string

	sku         *string
	description *string
	quantity    *int
	listPrice   *float64
	unitPrice   *float64
	extPrice    *float64

	tax           *float64
	shippingFee   *float64
	subtotal      *float64
	total         *float64
	discount      *float64
	promoCode     *string
	promoDiscount *float64
	paymentType   *string
	paymentLast4  *string
	trackingNo    *string
	sourceKey     *string
	expectShip    *time.Time
}

// mergeRows scans the feed and merges rows sharing an order number into one
// Order with multiple line items. Header fields come from the first row of
// each order; subsequent rows contribute only their line item.
func mergeRows(rows pgx.Rows) ([]types.Order, error) {
	var (
		ordered []string
		byNum   = make(map[string]*types.Order)
	)

	for rows.Next() {
		var r orderRow
		if err := rows.Scan(
			&r.orderNo, &r.custNum, &r.firstName, &r.lastName, &r.email,
			&r.shipAddr1, &r.shipAddr2, &r.shipCity, &r.shipState, &r.shipZip, &r.shipCountry,
			&r.billAddr1, &r.billAddr2, &r.billCity, &r.billState, &r.billZip, &r.billCountry,
			&r.sku, &r.description, &r.quantity, &r.listPrice, &r.unitPrice, &r.extPrice,
			&r.tax, &r.shippingFee, &r.subtotal, &r.total, &r.discount, &r.promoCode, &r.promoDiscount,
			&r.paymentType, &r.paymentLast4, &r.trackingNo, &r.sourceKey, &r.expectShip,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamOrderSource, "failed to scan order row", err)
		}

		order, seen := byNum[r.orderNo]
		if !seen {
			o := buildOrder(r)
			order = &o
			byNum[r.orderNo] = order
			ordered = append(ordered, r.orderNo)
		}
		order.Items = append(order.Items, buildItem(r))
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamOrderSource, "error iterating order rows", err)
	}

	orders := make([]types.Order, 0, len(ordered))
	for _, num := range ordered {
		orders = append(orders, *byNum[num])
	}
	return orders, nil
}

// buildOrder maps header fields from a feed row with explicit defaults:
// missing text is "", missing money is 0, missing expect_ship is the zero
// time (rendered as "TBD" by the personalization builders).
func buildOrder(r orderRow) types.Order {
	return types.Order{
		OrderNumber:    r.orderNo,
		CustomerNumber: strOr(r.custNum, ""),
		FirstName:      strOr(r.firstName, ""),
		LastName:       strOr(r.lastName, ""),
		Email:          strOr(r.email, ""),
		ShippingAddr: types.Address{
			Line1:   strOr(r.shipAddr1, ""),
			Line2:   strOr(r.shipAddr2, ""),
			City:    strOr(r.shipCity, ""),
			State:   strOr(r.shipState, ""),
			Zip:     strOr(r.shipZip, ""),
			Country: strOr(r.shipCountry, ""),
		},
		BillingAddr: types.Address{
			Line1:   strOr(r.billAddr1, ""),
			Line2:   strOr(r.billAddr2, ""),
			City:    strOr(r.billCity, ""),
			State:   strOr(r.billState, ""),
			Zip:     strOr(r.billZip, ""),
			Country: strOr(r.billCountry, ""),
		},
		Tax:            floatOr(r.tax, 0),
		ShippingFee:    floatOr(r.shippingFee, 0),
		Subtotal:       floatOr(r.subtotal, 0),
		Total:          floatOr(r.total, 0),
		Discount:       floatOr(r.discount, 0),
		PromoCode:      strOr(r.promoCode, ""),
		PromoDiscount:  floatOr(r.promoDiscount, 0),
		PaymentType:    strOr(r.paymentType, ""),
		PaymentLast4:   strOr(r.paymentLast4, ""),
		TrackingNumber: strOr(r.trackingNo, ""),
		SourceKey:      strOr(r.sourceKey, ""),
		ExpectedShip:   timeOr(r.expectShip),
	}
}

// buildItem maps the line-item fields from a feed row.
func buildItem(r orderRow) types.OrderItem {
	return types.OrderItem{
		SKU:         strOr(r.sku, ""),
		Description: strOr(r.description, ""),
		Quantity:    intOr(r.quantity, 0),
		ListPrice:   floatOr(r.listPrice, 0),
		UnitPrice:   floatOr(r.unitPrice, 0),
		ExtPrice:    floatOr(r.extPrice, 0),
	}
}

func strOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func timeOr(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}
