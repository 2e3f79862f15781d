// Package feed implements the provider transport as an HTTP client for
// a per-identity session gateway. Each Client owns one gateway session;
// the gateway holds the actual user-session connection to the provider
// network and exposes it as JSON endpoints.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"chansync/internal/domain"
)

const (
	defaultTimeout     = 90 * time.Second
	defaultRate        = 2.0 // requests per second
	defaultBurst       = 4
	maxResponseBytes   = 32 * 1024 * 1024
	breakerMaxFailures = 5
	breakerOpenFor     = 30 * time.Second
)

// Options tunes the gateway client.
type Options struct {
	// Timeout bounds one HTTP round-trip. Downloads get 4x this.
	Timeout time.Duration
	// RequestsPerSecond paces calls to the gateway (provider politeness).
	RequestsPerSecond float64
	// Burst is the limiter's burst allowance.
	Burst int
}

// Client implements domain.FeedProvider against the session gateway.
// The owning session serializes calls; the limiter and breaker guard
// the shared gateway regardless.
type Client struct {
	baseURL  string
	identity string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[[]byte]
	logger   *slog.Logger
	timeout  time.Duration
}

// NewClient creates a gateway client for one identity.
func NewClient(baseURL, identity string, opts Options, logger *slog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRate
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "feed:" + identity,
		MaxRequests: 1,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("gateway breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL:  baseURL,
		identity: identity,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		breaker:  cb,
		logger:   logger,
		timeout:  timeout,
	}
}

// --- wire types ---

// envelope is the gateway's uniform response shape. On failure Error
// carries the provider error code verbatim (e.g. "FLOOD_WAIT_45",
// "AUTH_KEY_UNREGISTERED") and RetryAfter the wait in seconds when the
// gateway parsed one out.
type envelope struct {
	OK         bool            `json:"ok"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	RetryAfter int             `json:"retry_after,omitempty"`
}

type wireUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

type wireChannel struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Username string `json:"username,omitempty"`
}

type wireMedia struct {
	Kind        string `json:"kind"`
	FileRef     string `json:"file_ref"`
	MIMEType    string `json:"mime_type,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Animated    bool   `json:"animated,omitempty"`
	VideoFormat bool   `json:"video_format,omitempty"`
}

type wireMessage struct {
	ID       int64      `json:"id"`
	Text     string     `json:"text,omitempty"`
	Caption  string     `json:"caption,omitempty"`
	Date     int64      `json:"date"` // unix seconds
	GroupID  int64      `json:"group_id,omitempty"`
	Media    *wireMedia `json:"media,omitempty"`
}

// gatewayError preserves the provider error code as the error text so
// the classifier's marker matching works unchanged, while carrying the
// structured retry hint when the gateway supplied one.
type gatewayError struct {
	Code       string
	RetryAfter int
}

func (e *gatewayError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after: %d)", e.Code, e.RetryAfter)
	}
	return e.Code
}

// --- FeedProvider implementation ---

func (c *Client) Connect(ctx context.Context) error {
	return c.call(ctx, "connect", nil, nil)
}

func (c *Client) Close(ctx context.Context) error {
	return c.call(ctx, "disconnect", nil, nil)
}

func (c *Client) SendCode(ctx context.Context, phone string) (string, error) {
	var out struct {
		CodeHash string `json:"code_hash"`
	}
	err := c.call(ctx, "send_code", map[string]string{"phone": phone}, &out)
	if err != nil {
		return "", err
	}
	return out.CodeHash, nil
}

func (c *Client) SignIn(ctx context.Context, phone, codeHash, code string) (*domain.ProviderUser, error) {
	var out wireUser
	err := c.call(ctx, "sign_in", map[string]string{
		"phone": phone, "code_hash": codeHash, "code": code,
	}, &out)
	if err != nil {
		return nil, err
	}
	return toUser(out), nil
}

func (c *Client) CheckPassword(ctx context.Context, password string) (*domain.ProviderUser, error) {
	var out wireUser
	if err := c.call(ctx, "check_password", map[string]string{"password": password}, &out); err != nil {
		return nil, err
	}
	return toUser(out), nil
}

func (c *Client) Me(ctx context.Context) (*domain.ProviderUser, error) {
	var out wireUser
	if err := c.call(ctx, "me", nil, &out); err != nil {
		return nil, err
	}
	return toUser(out), nil
}

func (c *Client) ExportSession(ctx context.Context) ([]byte, error) {
	var out struct {
		Session []byte `json:"session"`
	}
	if err := c.call(ctx, "export_session", nil, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (c *Client) ImportSession(ctx context.Context, blob []byte) error {
	return c.call(ctx, "import_session", map[string][]byte{"session": blob}, nil)
}

func (c *Client) Dialogs(ctx context.Context) ([]domain.Channel, error) {
	var out []wireChannel
	if err := c.call(ctx, "dialogs", nil, &out); err != nil {
		return nil, err
	}
	channels := make([]domain.Channel, 0, len(out))
	for _, ch := range out {
		channels = append(channels, toChannel(ch))
	}
	return channels, nil
}

func (c *Client) ChannelInfo(ctx context.Context, channelID string) (*domain.Channel, error) {
	var out wireChannel
	if err := c.call(ctx, "channel_info", map[string]string{"channel_id": channelID}, &out); err != nil {
		return nil, err
	}
	ch := toChannel(out)
	return &ch, nil
}

func (c *Client) LatestMessage(ctx context.Context, channelID string) (*domain.RawMessage, error) {
	var out *wireMessage
	if err := c.call(ctx, "latest_message", map[string]string{"channel_id": channelID}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	msg := toMessage(*out, channelID)
	return &msg, nil
}

func (c *Client) History(ctx context.Context, channelID string, q domain.HistoryQuery) ([]domain.RawMessage, error) {
	req := map[string]any{
		"channel_id": channelID,
		"limit":      q.Limit,
	}
	if !q.UntilDate.IsZero() {
		req["until_date"] = q.UntilDate.Unix()
	}
	if q.Offset > 0 {
		req["offset"] = q.Offset
	}

	var out []wireMessage
	if err := c.call(ctx, "history", req, &out); err != nil {
		return nil, err
	}
	msgs := make([]domain.RawMessage, 0, len(out))
	for _, m := range out {
		msgs = append(msgs, toMessage(m, channelID))
	}
	return msgs, nil
}

func (c *Client) Messages(ctx context.Context, channelID string, ids []int64) ([]domain.RawMessage, error) {
	var out []wireMessage
	err := c.call(ctx, "messages", map[string]any{"channel_id": channelID, "ids": ids}, &out)
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.RawMessage, 0, len(out))
	for _, m := range out {
		msgs = append(msgs, toMessage(m, channelID))
	}
	return msgs, nil
}

// Download streams the referenced file to path. The write goes through
// a temp file so a failed transfer never leaves a plausible-looking
// artifact at the destination.
func (c *Client) Download(ctx context.Context, fileRef, path string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	dlCtx, cancel := context.WithTimeout(ctx, 4*c.timeout)
	defer cancel()

	u := fmt.Sprintf("%s/sessions/%s/files/%s", c.baseURL, url.PathEscape(c.identity), url.PathEscape(fileRef))
	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return decodeFailure(resp.StatusCode, body)
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close file: %w", err)
	}
	return os.Rename(tmp, path)
}

// call POSTs a method to the gateway and decodes the envelope. Transport
// failures go through the breaker; provider-level errors (ok=false) do
// not trip it, they surface as gatewayError for the classifier.
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.post(ctx, method, payload)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return fmt.Errorf("gateway circuit open: %w", err)
		}
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	if !env.OK {
		code := env.Error
		if code == "" {
			code = "UNKNOWN_GATEWAY_ERROR"
		}
		return &gatewayError{Code: code, RetryAfter: env.RetryAfter}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, method string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	u := fmt.Sprintf("%s/sessions/%s/%s", c.baseURL, url.PathEscape(c.identity), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// 4xx responses still carry a JSON envelope; only 5xx and transport
	// errors count against the breaker.
	if resp.StatusCode >= 500 {
		return nil, decodeFailure(resp.StatusCode, body)
	}
	return body, nil
}

// decodeFailure prefers the envelope's error code when the failing
// response still carries one.
func decodeFailure(status int, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != "" {
		return &gatewayError{Code: env.Error, RetryAfter: env.RetryAfter}
	}
	return fmt.Errorf("gateway error %d: %s", status, string(body))
}

func toUser(u wireUser) *domain.ProviderUser {
	return &domain.ProviderUser{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
	}
}

func toChannel(ch wireChannel) domain.Channel {
	return domain.Channel{ID: ch.ID, Title: ch.Title, Username: ch.Username, Active: true}
}

func toMessage(m wireMessage, channelID string) domain.RawMessage {
	msg := domain.RawMessage{
		ID:        m.ID,
		ChannelID: channelID,
		Text:      m.Text,
		Caption:   m.Caption,
		PostedAt:  time.Unix(m.Date, 0).UTC(),
		GroupID:   m.GroupID,
	}
	if m.Media != nil {
		msg.Media = &domain.RawMedia{
			Kind:        domain.MediaKind(m.Media.Kind),
			FileRef:     m.Media.FileRef,
			MIMEType:    m.Media.MIMEType,
			FileName:    m.Media.FileName,
			SizeBytes:   m.Media.SizeBytes,
			Duration:    m.Media.Duration,
			Width:       m.Media.Width,
			Height:      m.Media.Height,
			Animated:    m.Media.Animated,
			VideoFormat: m.Media.VideoFormat,
		}
	}
	return msg
}
