package atcoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/subsync/internal/submissions"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the AtCoder Problems endpoint serving one page of a user's submissions.
	DefaultBaseURL   = "https://kenkoooo.com/atcoder/atcoder-api/v3/user/submissions"
	DefaultUserAgent = "subsync/1.0"
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 512
)

var (
	errMissingBaseURL = errors.New("base url configuration required")
	// ErrInvalidClientConfig indicates the client could not be constructed from its configuration.
	ErrInvalidClientConfig = errors.New("atcoder: invalid client config")
	// ErrUnexpectedStatus indicates the remote answered with a non-2xx status.
	ErrUnexpectedStatus = errors.New("atcoder: unexpected status")
)

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client fetches pages of submissions from the AtCoder Problems API.
type Client struct {
	baseURL    *url.URL
	userAgent  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	rawBaseURL := strings.TrimSpace(cfg.BaseURL)
	if rawBaseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	baseURL, err := url.Parse(rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, baseURL.Scheme)
	}

	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		userAgent:  userAgent,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// FetchSubmissionsPage returns the submissions of userID with epoch_second >= fromSecond.
// An empty slice means the cursor is exhausted.
func (c *Client) FetchSubmissionsPage(ctx context.Context, userID submissions.UserID, fromSecond int64) ([]submissions.Submission, error) {
	endpoint := *c.baseURL
	query := endpoint.Query()
	query.Set("user", userID.String())
	query.Set("from_second", strconv.FormatInt(fromSecond, 10))
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
		c.logger.Warn("submissions request failed",
			zap.String("user_id", userID.String()),
			zap.Int64("from_second", fromSecond),
			zap.Int("status", response.StatusCode),
			zap.String("body", strings.TrimSpace(string(body))))
		return nil, fmt.Errorf("%w %d", ErrUnexpectedStatus, response.StatusCode)
	}

	var page []submissions.Submission
	if err := json.NewDecoder(response.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode submissions page: %w", err)
	}
	if page == nil {
		page = []submissions.Submission{}
	}

	c.logger.Debug("submissions page fetched",
		zap.String("user_id", userID.String()),
		zap.Int64("from_second", fromSecond),
		zap.Int("count", len(page)))
	return page, nil
}
