// Package client implements the HTTP client side of the Apply Engine
// (C5): talking to the server's check-update, upload, and blob-download
// endpoints, coalescing repeated polls with singleflight, and retrying
// transient network failures with backoff, the same shape the module's
// HTTP registry client already used against its own server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fleetpack/fleetpack/internal/httpapi"
	"github.com/fleetpack/fleetpack/internal/timex"
)

// Client talks to one fleetpack server.
type Client struct {
	base   string
	client *http.Client
	token  string

	mu       sync.RWMutex
	checkTTL time.Duration
	checkHit map[string]cachedCheck
	sf       singleflight.Group
}

type cachedCheck struct {
	at   time.Time
	info httpapi.UpdateInfo
}

// New creates a Client against baseURL. It reads FLEETPACK_REGISTRY_TOKEN
// for bearer auth if set.
func New(baseURL string) *Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		base:     strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Transport: tr, Timeout: 60 * time.Second},
		token:    strings.TrimSpace(os.Getenv("FLEETPACK_REGISTRY_TOKEN")),
		checkTTL: 5 * time.Second,
		checkHit: make(map[string]cachedCheck),
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// doWithRetry makes up to 3 attempts at a request, waiting 100, 300 and
// then 900ms after each transport-level failure; it does not retry on a
// successful round trip regardless of status code.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	backoff := timex.RetryBackoffContext(bctx, 100*time.Millisecond, 3.0, 900*time.Millisecond, 3)

	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		resp, err := c.client.Do(req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-backoff:
			if !ok {
				return nil, lastErr
			}
		}
	}

	return nil, lastErr
}

// CheckUpdate calls GET /apps/{appID}/check-update/?version=currentVersion,
// coalescing concurrent callers for the same (appID, version) pair onto a
// single in-flight request and serving repeats within checkTTL from cache.
func (c *Client) CheckUpdate(ctx context.Context, appID, currentVersion string) (httpapi.UpdateInfo, error) {
	key := appID + "@" + currentVersion

	c.mu.RLock()
	if cached, ok := c.checkHit[key]; ok && time.Since(cached.at) < c.checkTTL {
		c.mu.RUnlock()

		return cached.info, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.sf.Do(key, func() (any, error) {
		q := url.Values{}
		if currentVersion != "" {
			q.Set("version", currentVersion)
		}

		u := fmt.Sprintf("%s/apps/%s/check-update/?%s", c.base, url.PathEscape(appID), q.Encode())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
		if err != nil {
			return nil, err
		}

		c.authorize(req)

		resp, err := c.doWithRetry(ctx, req)
		if err != nil {
			return nil, err
		}

		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, httpError("check-update", resp)
		}

		var info httpapi.UpdateInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.checkHit[key] = cachedCheck{at: time.Now(), info: info}
		c.mu.Unlock()

		return info, nil
	})
	if err != nil {
		return httpapi.UpdateInfo{}, err
	}

	return v.(httpapi.UpdateInfo), nil
}

// FetchBlob downloads one blob by its content address.
func (c *Client) FetchBlob(ctx context.Context, relativeURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+relativeURL, http.NoBody)
	if err != nil {
		return nil, err
	}

	c.authorize(req)

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpError("fetch blob", resp)
	}

	return io.ReadAll(resp.Body)
}

// UploadZip posts a whole release archive via upload-zip.
func (c *Client) UploadZip(ctx context.Context, appID, version, entryPoint, changelog string, isActive bool, archiveBytes []byte) (httpapi.UploadResult, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	for k, v := range map[string]string{
		"version": version, "entry_point": entryPoint, "changelog": changelog,
		"is_active": boolString(isActive),
	} {
		if err := mw.WriteField(k, v); err != nil {
			return httpapi.UploadResult{}, err
		}
	}

	fw, err := mw.CreateFormFile("file", "release.zip")
	if err != nil {
		return httpapi.UploadResult{}, err
	}

	if _, err := fw.Write(archiveBytes); err != nil {
		return httpapi.UploadResult{}, err
	}

	if err := mw.Close(); err != nil {
		return httpapi.UploadResult{}, err
	}

	u := fmt.Sprintf("%s/apps/%s/upload-zip/", c.base, url.PathEscape(appID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return httpapi.UploadResult{}, err
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return httpapi.UploadResult{}, err
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpapi.UploadResult{}, httpError("upload-zip", resp)
	}

	var out httpapi.UploadResult

	return out, json.NewDecoder(resp.Body).Decode(&out)
}

// CheckFiles posts a batch of blob hashes and returns which already exist
// on the server, used by a client that wants to skip upload-file for
// content it knows the server already has (e.g. shared library files
// unchanged between versions).
func (c *Client) CheckFiles(ctx context.Context, hashes []string) (httpapi.CheckFilesResponse, error) {
	body, err := json.Marshal(httpapi.CheckFilesRequest{FileHashes: hashes})
	if err != nil {
		return httpapi.CheckFilesResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/check-files/", bytes.NewReader(body))
	if err != nil {
		return httpapi.CheckFilesResponse{}, err
	}

	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return httpapi.CheckFilesResponse{}, err
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpapi.CheckFilesResponse{}, httpError("check-files", resp)
	}

	var out httpapi.CheckFilesResponse

	return out, json.NewDecoder(resp.Body).Decode(&out)
}

func boolString(b bool) string {
	if b {
		return "true"
	}

	return "false"
}

func httpError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	return fmt.Errorf("%s: server returned %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}
