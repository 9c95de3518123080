package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"triggermail/internal/types"
)

// notifyAPIBase is the default notification-messaging API base URL.
// Overridable in tests via NotifyClientConfig.BaseURL.
const notifyAPIBase = "https://api.notificationmessaging.com"

// sendDateLayout is the timestamp format the notification API expects.
const sendDateLayout = "2006-01-02T15:04:05"

// NotifyClientConfig holds the configuration for creating a NotifyClient.
type NotifyClientConfig struct {
	BaseURL string // Override for testing; defaults to notifyAPIBase
	Logger  *slog.Logger
}

// NotifyClient is the notification-delivery collaborator: it triggers one
// templated transactional email per call against the provider's REST send
// endpoint. Requests route through BaseClient with retries DISABLED -- the
// provider gives no idempotency key, so a timed-out send that actually
// landed would be re-sent by a retry, which is precisely the duplicate the
// send ledger exists to suppress. The caller treats a failed send as
// "not sent" and lets the next run re-attempt it.
type NotifyClient struct {
	base    *BaseClient
	baseURL string
	logger  *slog.Logger
}

// NewNotifyClient creates a NotifyClient over the given http client.
func NewNotifyClient(httpClient *http.Client, cfg NotifyClientConfig) *NotifyClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = notifyAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"notify",
		NoRetryPolicy(),
		"triggermail/1.0",
	)

	return &NotifyClient{
		base:    base,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// NewNotifyClientWithBase creates a NotifyClient with a pre-configured
// BaseClient, used by tests to control resilience behavior.
func NewNotifyClientWithBase(base *BaseClient, cfg NotifyClientConfig) *NotifyClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = notifyAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &NotifyClient{
		base:    base,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// sendPayload is the provider wire format for a triggered send.
type sendPayload struct {
	NotificationID int64            `json:"notificationId"`
	Random         string           `json:"random"`
	Encrypt        string           `json:"encrypt"`
	Email          string           `json:"email"`
	SendDate       string           `json:"senddate"`
	SynchroType    string           `json:"synchrotype"`
	UIDKey         string           `json:"uidkey"`
	Dyn            []dynEntry       `json:"dyn,omitempty"`
	Content        []contentEntry   `json:"content,omitempty"`
}

type dynEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type contentEntry struct {
	Key   int    `json:"key"`
	Value string `json:"value"`
}

// sendResponse is the provider acknowledgement envelope.
type sendResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

// Send triggers one templated email. It maps the domain types.SendRequest to
// the provider's send payload and returns the opaque acknowledgement.
//
// Error mapping:
//   - 429 / 5xx -> handled by BaseClient (ErrCodeUpstreamRateLimited /
//     ErrCodeUpstreamUnavailable; no retry under NoRetryPolicy)
//   - other 4xx -> ErrCodeUpstreamNotifyProvider with the response body
//     captured in the error detail
func (c *NotifyClient) Send(ctx context.Context, req types.SendRequest) (types.SendAck, error) {
	payload := buildSendPayload(req)

	body, err := json.Marshal(payload)
	if err != nil {
		return types.SendAck{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to marshal notification send payload",
			err,
		)
	}

	reqURL := c.baseURL + "/NMSREST/send"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return types.SendAck{}, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create notification send request",
			err,
		)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.base.Do(httpReq)
	if err != nil {
		return types.SendAck{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("notification provider rejected send",
			"status", resp.StatusCode,
			"template_id", req.TemplateID,
		)
		return types.SendAck{}, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamNotifyProvider,
			fmt.Sprintf("notification provider returned %d", resp.StatusCode),
			nil,
			map[string]any{"body": string(detail)},
		)
	}

	var ack sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return types.SendAck{}, types.NewAppError(
			types.ErrCodeUpstreamNotifyProvider,
			"failed to decode notification provider acknowledgement",
			err,
		)
	}

	c.logger.Info("notification send acknowledged",
		"template_id", req.TemplateID,
		"ack_id", ack.ID,
	)
	return types.SendAck{ID: ack.ID}, nil
}

// buildSendPayload converts the domain request to the provider wire format.
// Dyn and content entries are emitted in sorted key order so payloads are
// deterministic and testable.
func buildSendPayload(req types.SendRequest) sendPayload {
	p := sendPayload{
		NotificationID: req.TemplateID,
		Random:         req.Random,
		Encrypt:        req.EncryptKey.Unmask(),
		Email:          req.Email,
		SendDate:       req.SendDate.Format(sendDateLayout),
		SynchroType:    "NOTHING",
		UIDKey:         req.UIDKey,
	}

	if len(req.Dyn) > 0 {
		keys := make([]string, 0, len(req.Dyn))
		for k := range req.Dyn {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p.Dyn = append(p.Dyn, dynEntry{Key: k, Value: req.Dyn[k]})
		}
	}

	if len(req.Content) > 0 {
		keys := make([]int, 0, len(req.Content))
		for k := range req.Content {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			p.Content = append(p.Content, contentEntry{Key: k, Value: req.Content[k]})
		}
	}

	return p
}

