package types

import "time"

// Order is one business event pulled from the order-management source.
// Rows sharing an order number are merged into a single Order carrying
// multiple line items; header fields come from the first row seen.
//
// Every field has an explicit defaulting rule applied by the order-source
// adapter at scan time; nothing downstream re-reads raw rows.
type Order struct {
	OrderNumber    string
	CustomerNumber string
	FirstName      string
	LastName       string
	Email          string
	ShippingAddr   Address
	BillingAddr    Address

	Items []OrderItem

	Tax            float64
	ShippingFee    float64
	Subtotal       float64
	Total          float64
	Discount       float64
	PromoCode      string
	PromoDiscount  float64
	PaymentType    string
	PaymentLast4   string
	TrackingNumber string
	SourceKey      string
	ExpectedShip   time.Time
}

// Address is a shipping or billing address block passed through to
// personalization fields verbatim.
type Address struct {
	Line1   string
	Line2   string
	City    string
	State   string
	Zip     string
	Country string
}

// OrderItem is one merchandise line on an order.
type OrderItem struct {
	SKU         string
	Description string
	Quantity    int
	ListPrice   float64
	UnitPrice   float64
	ExtPrice    float64
}

// Subscriber is one (email, displayName) pair, either fetched live from the
// remote subscriber source or read from the local cache. Email is the
// identity key for reconciliation and is treated as an opaque string;
// the dispatcher never normalizes case.
type Subscriber struct {
	Email       string
	DisplayName string
	CreatedAt   time.Time
}

// SentMailRecord is one row of the append-only send ledger. Records are
// created at successful-send time and never updated or deleted.
type SentMailRecord struct {
	ID         int64
	Email      string
	Mailing    MailingType
	ExternalID string
	SentAt     time.Time
}

// AbandonedCart is one abandoned shopping cart reported by the cart source.
// Nudges carry no external reference in the send ledger; CartID only feeds
// the template's recovery link.
type AbandonedCart struct {
	CartID    string
	Email     string
	FirstName string
	UpdatedAt time.Time
	Items     []OrderItem
}

// Product is one catalog entry from the cart platform, used by the
// catalog export.
type Product struct {
	SKU          string
	Title        string
	Description  string
	Price        float64
	Weight       float64
	CategoryName string
	ImageURL     string
	ThumbnailURL string
}

// SendRequest is the provider-facing payload for one triggered email.
// The template identifier, encrypt key, and random correlation tag come from
// the dispatch registry; Dyn carries named personalization fields and
// Content carries numbered pre-rendered HTML blocks.
type SendRequest struct {
	TemplateID int64
	Random     string
	EncryptKey SecretString
	Email      string
	SendDate   time.Time
	UIDKey     string
	Dyn        map[string]string
	Content    map[int]string
}

// SendAck is the provider's delivery acknowledgement, opaque to the core.
type SendAck struct {
	ID string
}
