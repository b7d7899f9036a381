// Package remote adapts backend HTTP endpoints to the ranged chunk source
// and count contracts used by progressive loading and drift detection.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/pkg/errors"
)

// Config describes a paged JSON endpoint.
type Config struct {
	BaseURL string
	// Path serves GET ?offset=&limit= pages.
	Path string
	// CountPath serves the item count. Empty disables Count.
	CountPath string
	// ItemsPath is the gjson path of the item array. Empty means the body is
	// the array.
	ItemsPath string
	// CountJSON is the gjson path of the count. Empty means the body is the
	// number.
	CountJSON string
	Timeout   time.Duration
	Headers   map[string]string
	// Transport is the base round tripper. Nil means http.DefaultTransport.
	Transport http.RoundTripper
	// Breaker guards every request when set. Transport errors and 5xx
	// responses count as failures.
	Breaker *circuit.Breaker
}

// HTTPSource fetches pages of T from an HTTP endpoint.
type HTTPSource[T any] struct {
	cfg    Config
	client *resty.Client
}

// NewHTTPSource creates an HTTPSource. BaseURL and Path are required.
func NewHTTPSource[T any](cfg Config) (*HTTPSource[T], error) {
	if cfg.BaseURL == "" || cfg.Path == "" {
		return nil, errors.NewInvalidArgument("remote source needs base_url and path")
	}
	hc := &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport}
	client := resty.NewWithClient(hc).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeaders(cfg.Headers)
	return &HTTPSource[T]{cfg: cfg, client: client}, nil
}

// Fetch returns up to limit items starting at offset.
func (s *HTTPSource[T]) Fetch(ctx context.Context, offset, limit int) ([]T, error) {
	resp, err := s.get(ctx, s.cfg.Path, map[string]string{
		"offset": strconv.Itoa(offset),
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	result := gjson.ParseBytes(resp.Body())
	if s.cfg.ItemsPath != "" {
		result = gjson.GetBytes(resp.Body(), s.cfg.ItemsPath)
	}
	if !result.IsArray() {
		return nil, errors.NewFetchFailure(s.cfg.Path, fmt.Errorf("no item array at %q", s.cfg.ItemsPath))
	}

	var items []T
	if err := json.Unmarshal([]byte(result.Raw), &items); err != nil {
		return nil, errors.NewFetchFailure(s.cfg.Path, fmt.Errorf("decode items: %w", err))
	}
	return items, nil
}

// Count implements types.Counter.
func (s *HTTPSource[T]) Count(ctx context.Context) (int, error) {
	if s.cfg.CountPath == "" {
		return 0, errors.NewError(errors.ErrCodeNoFetcher, "remote source has no count endpoint")
	}
	resp, err := s.get(ctx, s.cfg.CountPath, nil)
	if err != nil {
		return 0, err
	}

	result := gjson.ParseBytes(resp.Body())
	if s.cfg.CountJSON != "" {
		result = gjson.GetBytes(resp.Body(), s.cfg.CountJSON)
	}
	if result.Type != gjson.Number {
		return 0, errors.NewFetchFailure(s.cfg.CountPath, fmt.Errorf("no count at %q", s.cfg.CountJSON))
	}
	return int(result.Int()), nil
}

func (s *HTTPSource[T]) get(ctx context.Context, path string, query map[string]string) (*resty.Response, error) {
	var resp *resty.Response
	call := func(ctx context.Context) error {
		var err error
		resp, err = s.client.R().SetContext(ctx).SetQueryParams(query).Get(path)
		if err != nil {
			return err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return statusError(path, resp)
		}
		return nil
	}

	var err error
	if s.cfg.Breaker != nil {
		err = s.cfg.Breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, errors.NewFetchFailure(path, err)
	}
	if resp.IsError() {
		return nil, statusError(path, resp)
	}
	return resp, nil
}

// FieldIdentity returns an identity function reading field from raw JSON
// items.
func FieldIdentity(field string) func(json.RawMessage) string {
	return func(raw json.RawMessage) string {
		return gjson.GetBytes(raw, field).String()
	}
}

func statusError(path string, resp *resty.Response) error {
	return errors.NewFetchFailure(path, fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body()))))
}
