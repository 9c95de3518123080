package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"triggermail/internal/types"
)

// wpPerPage is the page size used when listing users. The blog has a few
// thousand subscribers at most; a full snapshot is a handful of pages.
const wpPerPage = 100

// WordPressClientConfig holds the configuration for creating a
// WordPressClient. Username/AppPassword is a WordPress application password
// pair with permission to list users.
type WordPressClientConfig struct {
	BaseURL     string
	Username    string
	AppPassword types.SecretString
	Logger      *slog.Logger
}

// WordPressClient is the subscriber-source collaborator. It lists the blog's
// users with the "subscriber" role through the WordPress REST API and
// returns the full (email, displayName) snapshot the reconciler diffs
// against the local cache. The platform exposes no unsubscribe feed of any
// kind, which is why snapshots are all the reconciler has to work with.
type WordPressClient struct {
	base        *BaseClient
	baseURL     string
	username    string
	appPassword types.SecretString
	logger      *slog.Logger
}

// NewWordPressClient creates a WordPressClient over the given http client.
func NewWordPressClient(httpClient *http.Client, cfg WordPressClientConfig) *WordPressClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"wordpress",
		DefaultRetryPolicy(),
		"triggermail/1.0",
	)

	return &WordPressClient{
		base:        base,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		username:    cfg.Username,
		appPassword: cfg.AppPassword,
		logger:      logger,
	}
}

// NewWordPressClientWithBase creates a WordPressClient with a pre-configured
// BaseClient, used by tests to control resilience behavior.
func NewWordPressClientWithBase(base *BaseClient, cfg WordPressClientConfig) *WordPressClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &WordPressClient{
		base:        base,
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		username:    cfg.Username,
		appPassword: cfg.AppPassword,
		logger:      logger,
	}
}

// wpUser is the subset of the WordPress user resource the dispatcher reads.
// Email requires context=edit, which the application password grants.
type wpUser struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// FetchSubscribers returns the full current snapshot of subscriber-role
// users. Pagination is walked to exhaustion within this call; no cursor
// state survives between calls.
func (c *WordPressClient) FetchSubscribers(ctx context.Context) ([]types.Subscriber, error) {
	var snapshot []types.Subscriber

	for page := 1; ; page++ {
		users, err := c.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			snapshot = append(snapshot, types.Subscriber{
				Email:       u.Email,
				DisplayName: u.Name,
			})
		}
		if len(users) < wpPerPage {
			break
		}
	}

	c.logger.Info("fetched remote subscriber snapshot", "count", len(snapshot))
	return snapshot, nil
}

// fetchPage retrieves one page of subscriber-role users.
func (c *WordPressClient) fetchPage(ctx context.Context, page int) ([]wpUser, error) {
	q := url.Values{}
	q.Set("roles", "subscriber")
	q.Set("context", "edit")
	q.Set("per_page", strconv.Itoa(wpPerPage))
	q.Set("page", strconv.Itoa(page))

	reqURL := c.baseURL + "/wp-json/wp/v2/users?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create subscriber list request",
			err,
		)
	}
	req.SetBasicAuth(c.username, c.appPassword.Unmask())

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// WordPress returns 400 rest_post_invalid_page_number when the page is
	// past the end; treat it as an empty page rather than a failure.
	if resp.StatusCode == http.StatusBadRequest && page > 1 {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("subscriber source rejected list request",
			"status", resp.StatusCode,
			"page", page,
		)
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamSubscriberSource,
			fmt.Sprintf("subscriber source returned %d", resp.StatusCode),
			nil,
			map[string]any{"body": string(detail)},
		)
	}

	var users []wpUser
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamSubscriberSource,
			"failed to decode subscriber list response",
			err,
		)
	}
	return users, nil
}
