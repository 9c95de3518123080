package dispatch

import (
	"context"
	"log/slog"
	"time"

	"triggermail/internal/reconcile"
	"triggermail/internal/types"
)

// Delay thresholds for the two cart-abandonment mailings. The short nudge
// fires once a cart has been idle twenty minutes; the long one after a day.
const (
	CartShortDelay = 20 * time.Minute
	CartLongDelay  = 24 * time.Hour
)

// SendLedger abstracts the ledger operations the dispatcher needs from
// db.LedgerRepository.
type SendLedger interface {
	WasSent(ctx context.Context, email string, mailing types.MailingType, externalID string) (bool, error)
	Record(ctx context.Context, email string, mailing types.MailingType, externalID string) (bool, error)
}

// Notifier abstracts the notification-delivery collaborator.
type Notifier interface {
	Send(ctx context.Context, req types.SendRequest) (types.SendAck, error)
}

// OrderFeed abstracts the order-data collaborator's batch retrieval calls.
type OrderFeed interface {
	NewOrders(ctx context.Context) ([]types.Order, error)
	ShippedOrders(ctx context.Context) ([]types.Order, error)
	Backorders(ctx context.Context) ([]types.Order, error)
	AutoshipPrenotice(ctx context.Context) ([]types.Order, error)
}

// CartFeed abstracts the cart platform's abandoned-cart listing.
type CartFeed interface {
	GetAbandonedCarts(ctx context.Context, minAge time.Duration) ([]types.AbandonedCart, error)
}

// BlogReconciler abstracts the subscriber reconciler.
type BlogReconciler interface {
	SeedLocal(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (*reconcile.Delta, error)
	AdvanceLocal(ctx context.Context, delta *reconcile.Delta) error
}

// Summary reports what one run did. Skipped counts events suppressed by
// the ledger; Raced counts sends whose ledger record was claimed by a
// concurrent run between check and record.
type Summary struct {
	Mailing    types.MailingType
	Considered int
	Sent       int
	Skipped    int
	Raced      int
}

// Dispatcher runs one mailing type to completion per invocation. Execution
// is strictly sequential: fetch the batch, then per event check the ledger,
// send, and record. There are no workers and no implicit retries; any
// collaborator failure aborts the run and the next cron invocation picks up
// where the ledger says it left off.
type Dispatcher struct {
	ledger     SendLedger
	notifier   Notifier
	orders     OrderFeed
	carts      CartFeed
	reconciler BlogReconciler
	registry   Registry

	testRecipient string
	now           func() time.Time
	logger        *slog.Logger
}

// Config holds the dependencies for constructing a Dispatcher.
type Config struct {
	Ledger        SendLedger
	Notifier      Notifier
	Orders        OrderFeed
	Carts         CartFeed
	Reconciler    BlogReconciler
	Registry      Registry
	TestRecipient string
	Now           func() time.Time // defaults to time.Now
	Logger        *slog.Logger
}

// New creates a Dispatcher from the given collaborators.
func New(cfg Config) *Dispatcher {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ledger:        cfg.Ledger,
		notifier:      cfg.Notifier,
		orders:        cfg.Orders,
		carts:         cfg.Carts,
		reconciler:    cfg.Reconciler,
		registry:      cfg.Registry,
		testRecipient: cfg.TestRecipient,
		now:           now,
		logger:        logger,
	}
}

// event is one gated send: a recipient, the deduplication key, and the
// personalization payload.
type event struct {
	email      string
	externalID string
	dyn        map[string]string
	content    map[int]string
}

// Run executes one mailing type end to end and returns a summary.
//
// External-reference policy per mailing type:
//   - order-keyed mailings carry the order number, so the same template can
//     go to the same address again for a later order;
//   - blog and cart mailings carry no external reference and are suppressed
//     per-address indefinitely;
//   - the test mailing carries the run ID so every smoke test lands exactly
//     once and stays in the audit trail.
func (d *Dispatcher) Run(ctx context.Context, mt types.MailingType) (Summary, error) {
	def, ok := d.registry.Lookup(mt)
	if !ok {
		return Summary{Mailing: mt}, types.NewAppError(
			types.ErrCodeValidationMailingType,
			"mailing type missing from registry: "+string(mt),
			nil,
		)
	}

	summary := Summary{Mailing: mt}

	events, advance, err := d.gather(ctx, mt)
	if err != nil {
		return summary, err
	}
	summary.Considered = len(events)

	for _, ev := range events {
		already, err := d.ledger.WasSent(ctx, ev.email, mt, ev.externalID)
		if err != nil {
			return summary, err
		}
		if already {
			summary.Skipped++
			d.logger.Debug("send suppressed by ledger",
				"mailing", string(mt),
				"email", ev.email,
				"external_id", ev.externalID,
			)
			continue
		}

		req := types.SendRequest{
			TemplateID: def.TemplateID,
			Random:     def.Random,
			EncryptKey: def.EncryptKey,
			Email:      ev.email,
			SendDate:   d.now(),
			UIDKey:     "email",
			Dyn:        ev.dyn,
			Content:    ev.content,
		}
		ack, err := d.notifier.Send(ctx, req)
		if err != nil {
			// Logged and re-raised; the ledger holds no record, so the next
			// run re-attempts this event.
			d.logger.Error("notification send failed",
				"mailing", string(mt),
				"email", ev.email,
				"error", err,
			)
			return summary, err
		}

		recorded, err := d.ledger.Record(ctx, ev.email, mt, ev.externalID)
		if err != nil {
			// The send succeeded but the record did not: this is the known
			// cross-system duplicate risk. Abort so the failure is visible.
			d.logger.Error("ledger record failed after successful send",
				"mailing", string(mt),
				"email", ev.email,
				"external_id", ev.externalID,
				"ack_id", ack.ID,
				"error", err,
			)
			return summary, err
		}
		if !recorded {
			// A concurrent invocation recorded between our check and our
			// send. The constraint kept the ledger consistent, but the
			// recipient received two copies.
			summary.Raced++
			d.logger.Warn("ledger record lost race with concurrent run",
				"mailing", string(mt),
				"email", ev.email,
				"external_id", ev.externalID,
			)
			continue
		}

		summary.Sent++
		d.logger.Info("mailing dispatched",
			"mailing", string(mt),
			"email", ev.email,
			"external_id", ev.externalID,
			"ack_id", ack.ID,
		)
	}

	// Blog mailings advance the subscriber cache only after their half of
	// the delta has been dispatched, so a failed run re-detects the same
	// transitions next time.
	if advance != nil {
		if err := d.reconciler.AdvanceLocal(ctx, advance); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

// gather pulls the event batch for a mailing type. For blog mailings it also
// returns the cache delta to apply after dispatch.
func (d *Dispatcher) gather(ctx context.Context, mt types.MailingType) ([]event, *reconcile.Delta, error) {
	switch mt {
	case types.MailingOrderConfirmation:
		orders, err := d.orders.NewOrders(ctx)
		if err != nil {
			return nil, nil, err
		}
		return d.orderEvents(orders), nil, nil

	case types.MailingShipConfirmation:
		orders, err := d.orders.ShippedOrders(ctx)
		if err != nil {
			return nil, nil, err
		}
		return d.orderEvents(orders), nil, nil

	case types.MailingAutoshipPrenotice:
		orders, err := d.orders.AutoshipPrenotice(ctx)
		if err != nil {
			return nil, nil, err
		}
		return d.orderEvents(orders), nil, nil

	case types.MailingBackorderNotice:
		orders, err := d.orders.Backorders(ctx)
		if err != nil {
			return nil, nil, err
		}
		return d.orderEvents(orders), nil, nil

	case types.MailingBlogSubscribe:
		delta, err := d.blogDelta(ctx)
		if err != nil {
			return nil, nil, err
		}
		events := subscriberEvents(delta.Subscribed)
		return events, &reconcile.Delta{Subscribed: delta.Subscribed}, nil

	case types.MailingBlogUnsubscribe:
		delta, err := d.blogDelta(ctx)
		if err != nil {
			return nil, nil, err
		}
		events := subscriberEvents(delta.Unsubscribed)
		return events, &reconcile.Delta{Unsubscribed: delta.Unsubscribed}, nil

	case types.MailingCartAbandonShort:
		return d.cartEvents(ctx, CartShortDelay)

	case types.MailingCartAbandonLong:
		return d.cartEvents(ctx, CartLongDelay)

	case types.MailingTest:
		return []event{{
			email:      d.testRecipient,
			externalID: types.GetRunID(ctx),
			dyn:        map[string]string{"TEST": "This is a test email"},
			content: map[int]string{
				1: "<table border='5'><tr><td>",
				2: "</td></tr></table>",
			},
		}}, nil, nil

	default:
		return nil, nil, types.NewAppError(
			types.ErrCodeValidationMailingType,
			"no event feed for mailing type "+string(mt),
			nil,
		)
	}
}

// blogDelta seeds the cache on first use, then computes the current delta.
func (d *Dispatcher) blogDelta(ctx context.Context) (*reconcile.Delta, error) {
	if _, err := d.reconciler.SeedLocal(ctx); err != nil {
		return nil, err
	}
	return d.reconciler.Reconcile(ctx)
}

// cartEvents lists eligible abandoned carts for the given idle threshold.
// Cart nudges carry no external reference: one nudge per address per
// campaign, ever.
func (d *Dispatcher) cartEvents(ctx context.Context, minAge time.Duration) ([]event, *reconcile.Delta, error) {
	carts, err := d.carts.GetAbandonedCarts(ctx, minAge)
	if err != nil {
		return nil, nil, err
	}
	events := make([]event, 0, len(carts))
	for _, c := range carts {
		events = append(events, event{
			email:   c.Email,
			dyn:     cartDyn(c),
			content: map[int]string{1: itemRowsContent(c.Items)},
		})
	}
	return events, nil, nil
}

// orderEvents maps orders to gated sends keyed by order number. Orders the
// source reported without an email address cannot be dispatched and are
// dropped with a log line.
func (d *Dispatcher) orderEvents(orders []types.Order) []event {
	events := make([]event, 0, len(orders))
	for _, o := range orders {
		if o.Email == "" {
			d.logger.Warn("order feed row has no email; skipping",
				"order_no", o.OrderNumber,
			)
			continue
		}
		events = append(events, event{
			email:      o.Email,
			externalID: o.OrderNumber,
			dyn:        orderDyn(o),
			content:    map[int]string{1: itemRowsContent(o.Items)},
		})
	}
	return events
}

// subscriberEvents maps subscriber transitions to gated sends with no
// external reference.
func subscriberEvents(subs []types.Subscriber) []event {
	events := make([]event, 0, len(subs))
	for _, s := range subs {
		events = append(events, event{
			email: s.Email,
			dyn:   subscriberDyn(s),
		})
	}
	return events
}
