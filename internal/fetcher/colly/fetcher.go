// Package collyfetcher implements HTTP JSON sources using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/gridfetch/internal/collector"
	"github.com/JakeFAU/gridfetch/internal/fetcher"
)

// URL template placeholders.
const (
	PlaceholderSource   = "{source}"
	PlaceholderCategory = "{category}"
	PlaceholderTarget   = "{target}"
)

// Config controls one HTTP JSON source.
type Config struct {
	// URL may reference {source}, {category} and {target}. Without {target}
	// the source only serves live fetches.
	URL       string
	UserAgent string
	Timeout   time.Duration
	Headers   http.Header
}

// Source fetches records from a JSON endpoint. The body must be a JSON
// object (one record) or an array of objects.
type Source struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Source.
func New(cfg Config) (*Source, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("source url is required")
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	// Clones share the backend client, so the timeout is fixed here.
	c.SetRequestTimeout(timeout)
	return &Source{cfg: cfg, baseCollector: c}, nil
}

// Historical reports whether the URL template accepts a target time.
func (s *Source) Historical() bool {
	return strings.Contains(s.cfg.URL, PlaceholderTarget)
}

// Fetch implements fetcher.Func.
func (s *Source) Fetch(ctx context.Context, req collector.FetchRequest) ([]collector.Record, error) {
	if req.Target != nil && !s.Historical() {
		return nil, fmt.Errorf("%s %s: %w", req.SourceID, req.Category, fetcher.ErrHistoricalUnsupported)
	}
	target := s.ResolveURL(req)

	var (
		body     []byte
		fetchErr error
	)
	c := s.buildCollector(&body, &fetchErr)
	if err := s.runCollector(ctx, c, target, &fetchErr); err != nil {
		return nil, err
	}
	return DecodeRecords(body)
}

// ResolveURL fills the URL template for req.
func (s *Source) ResolveURL(req collector.FetchRequest) string {
	var when string
	if req.Target != nil {
		when = req.Target.UTC().Format(time.RFC3339)
	}
	r := strings.NewReplacer(
		PlaceholderSource, url.PathEscape(req.SourceID),
		PlaceholderCategory, url.PathEscape(string(req.Category)),
		PlaceholderTarget, url.QueryEscape(when),
	)
	return r.Replace(s.cfg.URL)
}

func (s *Source) buildCollector(body *[]byte, fetchErr *error) *colly.Collector {
	c := s.baseCollector.Clone()
	s.configureCollectorHooks(c, body, fetchErr)
	return c
}

func (s *Source) configureCollectorHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
		for key, values := range s.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func (s *Source) runCollector(ctx context.Context, c *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// DecodeRecords parses a JSON object or array of objects. Numbers are kept
// as json.Number.
func DecodeRecords(body []byte) ([]collector.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, collector.ErrEmptyResult
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	switch trimmed[0] {
	case '[':
		var records []collector.Record
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("decode record array: %w", err)
		}
		return records, nil
	case '{':
		var record collector.Record
		if err := dec.Decode(&record); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		return []collector.Record{record}, nil
	default:
		return nil, fmt.Errorf("decode records: body is not a JSON object or array")
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
