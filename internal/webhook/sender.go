package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	TagJSON = "json"
	TagXML  = "xml"
	TagForm = "form"

	DeliveryHeader = "X-Relayform-Delivery"
)

// Payload identifies a submission; receivers fetch the content themselves.
type Payload struct {
	XMLName      xml.Name  `json:"-" xml:"submission"`
	ID           int64     `json:"id" xml:"id"`
	UUID         string    `json:"uuid" xml:"uuid"`
	FormIDString string    `json:"formIdString" xml:"formIdString"`
	Owner        string    `json:"owner" xml:"owner"`
	SubmittedAt  time.Time `json:"submittedAt" xml:"submittedAt"`
	Edited       bool      `json:"edited" xml:"edited"`
}

// Sender delivers one payload to one endpoint.
type Sender interface {
	Send(ctx context.Context, endpointURL, deliveryID string, payload Payload) error
}

type HTTPSenderOptions struct {
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type encodeFunc func(Payload) (body []byte, contentType string, err error)

// HTTPSender POSTs payloads and retries on transport errors, 429 and 5xx until
// the retry budget or the context runs out.
type HTTPSender struct {
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	encode     encodeFunc
}

func NewJSONSender(opts HTTPSenderOptions) *HTTPSender {
	return newHTTPSender(opts, encodeJSON)
}

func NewXMLSender(opts HTTPSenderOptions) *HTTPSender {
	return newHTTPSender(opts, encodeXML)
}

func NewFormSender(opts HTTPSenderOptions) *HTTPSender {
	return newHTTPSender(opts, encodeForm)
}

func newHTTPSender(opts HTTPSenderOptions, encode encodeFunc) *HTTPSender {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "relayform-webhook/1"
	}
	return &HTTPSender{
		httpClient: httpClient,
		userAgent:  userAgent,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		encode:     encode,
	}
}

func (s *HTTPSender) Send(ctx context.Context, endpointURL, deliveryID string, payload Payload) error {
	body, contentType, err := s.encode(payload)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("User-Agent", s.userAgent)
		req.Header.Set(DeliveryHeader, deliveryID)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			if attempt < s.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, "")); waitErr != nil {
					return err
				}
				continue
			}
			return err
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < s.maxRetries {
			if waitErr := sleepContext(ctx, s.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return fmt.Errorf("webhook delivery failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func (s *HTTPSender) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > s.maxDelay {
			return s.maxDelay
		}
		return retryAfter
	}
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	return delay
}

func encodeJSON(payload Payload) ([]byte, string, error) {
	body, err := json.Marshal(payload)
	return body, "application/json", err
}

func encodeXML(payload Payload) ([]byte, string, error) {
	body, err := xml.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return append([]byte(xml.Header), body...), "application/xml", nil
}

func encodeForm(payload Payload) ([]byte, string, error) {
	values := url.Values{}
	values.Set("id", strconv.FormatInt(payload.ID, 10))
	values.Set("uuid", payload.UUID)
	values.Set("formIdString", payload.FormIDString)
	values.Set("owner", payload.Owner)
	values.Set("submittedAt", payload.SubmittedAt.UTC().Format(time.RFC3339))
	values.Set("edited", strconv.FormatBool(payload.Edited))
	return []byte(values.Encode()), "application/x-www-form-urlencoded", nil
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
