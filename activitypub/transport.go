package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/forumpub/domain"
	"github.com/deemkeen/forumpub/util"
	"golang.org/x/sync/singleflight"
)

const (
	contentType     = "application/activity+json"
	maxDocumentSize = 1 << 20
	maxCachedDocs   = 1024
)

type cachedDocument struct {
	etag string
	doc  JSON
}

// HTTPTransport signs and posts deliveries and fetches remote documents.
type HTTPTransport struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]cachedDocument
	group singleflight.Group
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
		cache:  make(map[string]cachedDocument),
	}
}

// SignAndPost posts body to inbox signed with the key of from. Any 2xx status is success.
func (t *HTTPTransport) SignAndPost(ctx context.Context, from *domain.Actor, inbox string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", Digest(body))

	privateKey, err := ParsePrivateKey(from.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}
	if err := SignRequest(req, privateKey, from.ApId+"#main-key"); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}
	log.Debug("Outbox: Posted", "to", inbox, "status", resp.StatusCode)
	return nil
}

// Resolve fetches a remote document, revalidating cached copies by ETag.
// Concurrent fetches of one uri share a request. 404 and 410 resolve to nil.
func (t *HTTPTransport) Resolve(ctx context.Context, uri string) (JSON, error) {
	v, err, _ := t.group.Do(uri, func() (any, error) {
		return t.fetch(ctx, uri)
	})
	if err != nil {
		return nil, err
	}
	j, _ := v.(JSON)
	return j, nil
}

func (t *HTTPTransport) fetch(ctx context.Context, uri string) (JSON, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", contentType)
	req.Header.Set("User-Agent", util.UserAgent())

	t.mu.Lock()
	cached, hit := t.cache[uri]
	t.mu.Unlock()
	if hit && cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		if hit {
			return cached.doc, nil
		}
		return nil, fmt.Errorf("%s: not modified but not cached", uri)
	case http.StatusNotFound, http.StatusGone:
		t.forget(uri)
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("fetch of %s failed with status: %d", uri, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	j, err := ParseJSON(body)
	if err != nil {
		return nil, err
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		t.remember(uri, cachedDocument{etag: etag, doc: j})
	}
	return j, nil
}

func (t *HTTPTransport) remember(uri string, d cachedDocument) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.cache) >= maxCachedDocs {
		for k := range t.cache {
			delete(t.cache, k)
			break
		}
	}
	t.cache[uri] = d
}

func (t *HTTPTransport) forget(uri string) {
	t.mu.Lock()
	delete(t.cache, uri)
	t.mu.Unlock()
}
