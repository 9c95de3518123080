package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"triggermail/internal/types"
)

// CartClientConfig holds the configuration for creating a CartClient.
// The cart platform's open API authenticates every call with the same
// username/password/token triple passed as query parameters.
type CartClientConfig struct {
	BaseURL  string
	Username string
	Password types.SecretString
	Token    types.SecretString
	Logger   *slog.Logger
}

// CartClient is the cart-platform collaborator. It serves two feeds: the
// abandoned-cart list consumed by the two cart-abandonment mailings, and
// the product catalog consumed by the spreadsheet export.
type CartClient struct {
	base     *BaseClient
	baseURL  string
	username string
	password types.SecretString
	token    types.SecretString
	logger   *slog.Logger
}

// NewCartClient creates a CartClient over the given http client.
func NewCartClient(httpClient *http.Client, cfg CartClientConfig) *CartClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"cart",
		DefaultRetryPolicy(),
		"triggermail/1.0",
	)

	return &CartClient{
		base:     base,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		token:    cfg.Token,
		logger:   logger,
	}
}

// NewCartClientWithBase creates a CartClient with a pre-configured
// BaseClient, used by tests to control resilience behavior.
func NewCartClientWithBase(base *BaseClient, cfg CartClientConfig) *CartClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &CartClient{
		base:     base,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		token:    cfg.Token,
		logger:   logger,
	}
}

// cartEnvelope is the platform's abandoned-cart wire shape.
type cartEnvelope struct {
	CartID    string         `json:"CartId"`
	Email     string         `json:"Email"`
	FirstName string         `json:"FirstName"`
	UpdatedAt string         `json:"UpdatedAt"`
	Items     []cartItemWire `json:"Items"`
}

type cartItemWire struct {
	Sku      string  `json:"Sku"`
	Title    string  `json:"Title"`
	Quantity int     `json:"Quantity"`
	Price    float64 `json:"Price"`
}

// productEnvelope wraps each catalog entry the way the platform nests it.
type productEnvelope struct {
	Product productWire `json:"Product"`
}

type productWire struct {
	Sku               string  `json:"Sku"`
	Title             string  `json:"Title"`
	Description       string  `json:"Description"`
	Price             float64 `json:"Price"`
	Weight            float64 `json:"Weight"`
	CategoryName      string  `json:"CategoryName"`
	ImageURL          string  `json:"ImageUrl"`
	ThumbnailImageURL string  `json:"ThumbnailImageUrl"`
}

// GetAbandonedCarts lists carts abandoned for at least minAge. The platform
// reports carts with an email captured at checkout; entries without one are
// skipped because there is nothing to send to.
func (c *CartClient) GetAbandonedCarts(ctx context.Context, minAge time.Duration) ([]types.AbandonedCart, error) {
	body, err := c.call(ctx, "GetAbandonedCarts", nil)
	if err != nil {
		return nil, err
	}

	var wire []cartEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamCartSource,
			"failed to decode abandoned cart response",
			err,
		)
	}

	cutoff := time.Now().Add(-minAge)
	var carts []types.AbandonedCart
	for _, w := range wire {
		if w.Email == "" {
			continue
		}
		updatedAt, err := time.Parse(time.RFC3339, w.UpdatedAt)
		if err != nil {
			// Timestamp format drifts between platform versions; an
			// unparseable value means the age filter cannot apply.
			c.logger.Warn("skipping cart with unparseable timestamp",
				"cart_id", w.CartID,
				"updated_at", w.UpdatedAt,
			)
			continue
		}
		if updatedAt.After(cutoff) {
			continue
		}

		cart := types.AbandonedCart{
			CartID:    w.CartID,
			Email:     w.Email,
			FirstName: w.FirstName,
			UpdatedAt: updatedAt,
		}
		for _, it := range w.Items {
			cart.Items = append(cart.Items, types.OrderItem{
				SKU:         it.Sku,
				Description: it.Title,
				Quantity:    it.Quantity,
				ListPrice:   it.Price,
			})
		}
		carts = append(carts, cart)
	}

	c.logger.Info("fetched abandoned carts",
		"total", len(wire),
		"eligible", len(carts),
		"min_age", minAge.String(),
	)
	return carts, nil
}

// GetProducts returns the full product catalog across all categories.
func (c *CartClient) GetProducts(ctx context.Context) ([]types.Product, error) {
	body, err := c.call(ctx, "GetProducts", map[string]string{"PrimaryCategory": "-1"})
	if err != nil {
		return nil, err
	}

	var wire []productEnvelope
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamCartSource,
			"failed to decode product catalog response",
			err,
		)
	}

	products := make([]types.Product, 0, len(wire))
	for _, w := range wire {
		products = append(products, types.Product{
			SKU:          w.Product.Sku,
			Title:        w.Product.Title,
			Description:  w.Product.Description,
			Price:        w.Product.Price,
			Weight:       w.Product.Weight,
			CategoryName: w.Product.CategoryName,
			ImageURL:     w.Product.ImageURL,
			ThumbnailURL: w.Product.ThumbnailImageURL,
		})
	}
	return products, nil
}

// call performs one open-API invocation and returns the raw response body.
func (c *CartClient) call(ctx context.Context, apiCall string, extra map[string]string) ([]byte, error) {
	q := url.Values{}
	q.Set("username", c.username)
	q.Set("password", c.password.Unmask())
	q.Set("token", c.token.Unmask())
	q.Set("apiType", "json")
	q.Set("call", apiCall)
	for k, v := range extra {
		q.Set(k, v)
	}

	reqURL := c.baseURL + "/content/admin/plugins/openapi/index.php?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create cart API request",
			err,
		)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("cart API rejected request",
			"call", apiCall,
			"status", resp.StatusCode,
		)
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamCartSource,
			fmt.Sprintf("cart API returned %d for %s", resp.StatusCode, apiCall),
			nil,
			map[string]any{"body": string(detail)},
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamCartSource,
			"failed to read cart API response",
			err,
		)
	}
	return body, nil
}
