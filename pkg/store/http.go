package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bookmarket/pkg/circuitbreaker"
)

// HTTPStore speaks the Firebase Realtime Database REST protocol.
type HTTPStore struct {
	baseURL   string
	authToken string
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
}

type HTTPOption func(*HTTPStore)

// WithAuthToken appends ?auth=<token> to every request.
func WithAuthToken(token string) HTTPOption {
	return func(s *HTTPStore) { s.authToken = token }
}

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPStore) { s.client = client }
}

func WithBreaker(cb *circuitbreaker.CircuitBreaker) HTTPOption {
	return func(s *HTTPStore) { s.breaker = cb }
}

// NewHTTPStore builds a client with an explicit request timeout. Timeouts
// surface as ErrTransient.
func NewHTTPStore(baseURL string, timeout time.Duration, opts ...HTTPOption) *HTTPStore {
	s := &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxConnsPerHost:     100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithFailureFilter(IsTransient))
	}
	return s
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

type response struct {
	status int
	body   []byte
	etag   string
}

func (s *HTTPStore) endpoint(collection, id string) string {
	u := s.baseURL + "/" + url.PathEscape(collection)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	u += ".json"
	if s.authToken != "" {
		u += "?auth=" + url.QueryEscape(s.authToken)
	}
	return u
}

func (s *HTTPStore) do(ctx context.Context, method, endpoint string, body []byte, header map[string]string) (*response, error) {
	var out *response
	err := s.breaker.Execute(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range header {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s %s: %w", ErrTransient, method, redact(endpoint), err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read response: %w", ErrTransient, err)
		}
		out = &response{status: resp.StatusCode, body: data, etag: resp.Header.Get("ETag")}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s %s: status %d", ErrTransient, method, redact(endpoint), resp.StatusCode)
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if err != nil {
		return nil, err
	}

	switch {
	case out.status == http.StatusPreconditionFailed:
		return out, fmt.Errorf("%w: %s %s", ErrConflict, method, redact(endpoint))
	case out.status == http.StatusNotFound:
		return out, fmt.Errorf("%w: %s", ErrNotFound, redact(endpoint))
	case out.status >= http.StatusBadRequest:
		return out, fmt.Errorf("store: %s %s: status %d: %s", method, redact(endpoint), out.status, strings.TrimSpace(string(out.body)))
	}
	return out, nil
}

func redact(endpoint string) string {
	if i := strings.Index(endpoint, "?"); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

func isNull(body []byte) bool {
	b := bytes.TrimSpace(body)
	return len(b) == 0 || string(b) == "null"
}

func (s *HTTPStore) List(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	resp, err := s.do(ctx, http.MethodGet, s.endpoint(collection, ""), nil, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	if isNull(resp.body) {
		return out, nil
	}
	if err := Decode(resp.body, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", collection, err)
	}
	return out, nil
}

func (s *HTTPStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	if !ValidKey(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	resp, err := s.do(ctx, http.MethodGet, s.endpoint(collection, id), nil, nil)
	if err != nil {
		return nil, err
	}
	if isNull(resp.body) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return json.RawMessage(resp.body), nil
}

func (s *HTTPStore) GetVersioned(ctx context.Context, collection, id string) (json.RawMessage, string, error) {
	if !ValidKey(id) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	resp, err := s.do(ctx, http.MethodGet, s.endpoint(collection, id), nil, map[string]string{"X-Firebase-ETag": "true"})
	if err != nil {
		return nil, "", err
	}
	if isNull(resp.body) {
		version := resp.etag
		if version == "" {
			version = NullVersion
		}
		return nil, version, nil
	}
	return json.RawMessage(resp.body), resp.etag, nil
}

func (s *HTTPStore) Create(ctx context.Context, collection string, record any) (string, error) {
	body, err := Encode(record)
	if err != nil {
		return "", err
	}
	resp, err := s.do(ctx, http.MethodPost, s.endpoint(collection, ""), body, nil)
	if err != nil {
		return "", err
	}
	var created struct {
		Name string `json:"name"`
	}
	if err := Decode(resp.body, &created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if created.Name == "" {
		return "", errors.New("store: empty id in create response")
	}
	return created.Name, nil
}

func (s *HTTPStore) Put(ctx context.Context, collection, id string, record any) error {
	if !ValidKey(id) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	body, err := Encode(record)
	if err != nil {
		return err
	}
	_, err = s.do(ctx, http.MethodPut, s.endpoint(collection, id), body, nil)
	return err
}

func (s *HTTPStore) PutIf(ctx context.Context, collection, id string, record any, version string) error {
	if !ValidKey(id) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	body, err := Encode(record)
	if err != nil {
		return err
	}
	_, err = s.do(ctx, http.MethodPut, s.endpoint(collection, id), body, map[string]string{"if-match": version})
	return err
}

func (s *HTTPStore) Patch(ctx context.Context, collection, id string, fields map[string]any) error {
	if !ValidKey(id) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	body, err := Encode(fields)
	if err != nil {
		return err
	}
	_, err = s.do(ctx, http.MethodPatch, s.endpoint(collection, id), body, nil)
	return err
}

func (s *HTTPStore) Delete(ctx context.Context, collection, id string) error {
	if !ValidKey(id) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	_, err := s.do(ctx, http.MethodDelete, s.endpoint(collection, id), nil, nil)
	return err
}

// Ping reads an unused collection to check that the store answers.
func (s *HTTPStore) Ping(ctx context.Context) error {
	_, err := s.do(ctx, http.MethodGet, s.endpoint("_health", ""), nil, nil)
	return err
}
