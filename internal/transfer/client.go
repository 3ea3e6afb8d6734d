package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jaywantadh/tusbyte/internal/checksum"
	"github.com/jaywantadh/tusbyte/internal/metadata"
	"github.com/sirupsen/logrus"
)

// RemoteStatus is the server's view of an upload.
type RemoteStatus struct {
	Offset    uint64
	Size      uint64
	Metadata  metadata.Pairs
	ExpiresAt time.Time
}

// Finished reports whether every byte has been acknowledged.
func (s RemoteStatus) Finished() bool {
	return s.Size > 0 && s.Offset == s.Size
}

// ServerInfo is the result of protocol discovery.
type ServerInfo struct {
	Version            string
	Extensions         []string
	MaxSize            uint64
	ChecksumAlgorithms []string
}

// SupportsChecksum reports whether the server accepts algorithm.
func (i ServerInfo) SupportsChecksum(algorithm string) bool {
	for _, a := range i.ChecksumAlgorithms {
		if a == algorithm {
			return true
		}
	}
	return false
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	// Timeout bounds each request when HTTPClient is nil.
	Timeout time.Duration
	// ChecksumAlgorithm, when set, adds Upload-Checksum to every PATCH.
	ChecksumAlgorithm string
}

// Client speaks the upload protocol to one server endpoint.
type Client struct {
	endpoint   *url.URL
	httpClient *http.Client
	algorithm  string
	log        logrus.FieldLogger
}

// NewClient creates a client for the creation endpoint, e.g. http://host/files.
func NewClient(endpoint string, opts ClientOptions, log logrus.FieldLogger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: absolute URL required", endpoint)
	}
	if opts.ChecksumAlgorithm != "" && !checksum.Supported(opts.ChecksumAlgorithm) {
		return nil, fmt.Errorf("%w: %s", checksum.ErrUnsupportedAlgorithm, opts.ChecksumAlgorithm)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		endpoint:   u,
		httpClient: httpClient,
		algorithm:  opts.ChecksumAlgorithm,
		log:        log,
	}, nil
}

// Endpoint returns the creation URL.
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

// Discover queries the server's protocol capabilities.
func (c *Client) Discover(ctx context.Context) (ServerInfo, error) {
	resp, err := c.do(ctx, http.MethodOptions, c.endpoint.String(), nil, nil)
	if err != nil {
		return ServerInfo{}, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return ServerInfo{}, responseError(resp)
	}

	info := ServerInfo{
		Version:            resp.Header.Get(HeaderTusVersion),
		Extensions:         splitList(resp.Header.Get(HeaderTusExtension)),
		ChecksumAlgorithms: splitList(resp.Header.Get(HeaderTusChecksumAlgorithm)),
	}
	if v := resp.Header.Get(HeaderTusMaxSize); v != "" {
		if info.MaxSize, err = strconv.ParseUint(v, 10, 64); err != nil {
			return ServerInfo{}, &Error{Kind: ErrProtocol, Status: resp.StatusCode, Err: fmt.Errorf("bad %s %q", HeaderTusMaxSize, v)}
		}
	}
	return info, nil
}

// Negotiate runs Discover and stops sending checksums with an algorithm the
// server does not accept. Call it before any upload starts.
func (c *Client) Negotiate(ctx context.Context) (ServerInfo, error) {
	info, err := c.Discover(ctx)
	if err != nil {
		return ServerInfo{}, err
	}
	if c.algorithm != "" && !info.SupportsChecksum(c.algorithm) {
		c.log.WithFields(logrus.Fields{
			"algorithm": c.algorithm,
			"accepted":  info.ChecksumAlgorithms,
		}).Warn("Server does not accept checksum algorithm, sending chunks without checksums")
		c.algorithm = ""
	}
	return info, nil
}

// Create opens a new upload and returns its absolute URL.
func (c *Client) Create(ctx context.Context, size uint64, meta metadata.Pairs) (string, error) {
	headers := http.Header{}
	headers.Set(HeaderUploadLength, strconv.FormatUint(size, 10))
	if len(meta) > 0 {
		headers.Set(HeaderUploadMetadata, meta.Header())
	}

	resp, err := c.do(ctx, http.MethodPost, c.endpoint.String(), headers, nil)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		e := responseError(resp)
		e.Kind = ErrInvalidSize
		return "", e
	default:
		return "", responseError(resp)
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", &Error{Kind: ErrProtocol, Status: resp.StatusCode, Err: errors.New("missing Location header")}
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return "", &Error{Kind: ErrProtocol, Status: resp.StatusCode, Err: err}
	}
	uploadURL := c.endpoint.ResolveReference(ref).String()

	c.log.WithFields(logrus.Fields{"url": uploadURL, "size": size}).Debug("Upload created")
	return uploadURL, nil
}

// Status fetches the authoritative offset of an upload.
func (c *Client) Status(ctx context.Context, uploadURL string) (RemoteStatus, error) {
	resp, err := c.do(ctx, http.MethodHead, uploadURL, nil, nil)
	if err != nil {
		return RemoteStatus{}, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return RemoteStatus{}, responseError(resp)
	}

	var st RemoteStatus
	if st.Offset, err = headerUint(resp, HeaderUploadOffset); err != nil {
		return RemoteStatus{}, err
	}
	if v := resp.Header.Get(HeaderUploadLength); v != "" {
		if st.Size, err = headerUint(resp, HeaderUploadLength); err != nil {
			return RemoteStatus{}, err
		}
	}
	if v := resp.Header.Get(HeaderUploadMetadata); v != "" {
		if st.Metadata, err = metadata.ParseHeader(v); err != nil {
			return RemoteStatus{}, &Error{Kind: ErrProtocol, Status: resp.StatusCode, Err: err}
		}
	}
	if v := resp.Header.Get(HeaderUploadExpires); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			st.ExpiresAt = t
		}
	}
	return st, nil
}

// Append sends data at offset and returns the acknowledged offset.
func (c *Client) Append(ctx context.Context, uploadURL string, offset uint64, data []byte) (uint64, error) {
	headers := http.Header{}
	headers.Set("Content-Type", ContentTypeOffset)
	headers.Set(HeaderUploadOffset, strconv.FormatUint(offset, 10))
	if c.algorithm != "" {
		sum, err := checksum.Header(c.algorithm, data)
		if err != nil {
			return 0, err
		}
		headers.Set(HeaderUploadChecksum, sum)
	}

	resp, err := c.do(ctx, http.MethodPatch, uploadURL, headers, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return 0, responseError(resp)
	}
	next, err := headerUint(resp, HeaderUploadOffset)
	if err != nil {
		return 0, err
	}
	if next < offset || next > offset+uint64(len(data)) {
		return 0, &Error{Kind: ErrProtocol, Status: resp.StatusCode, Err: fmt.Errorf("server acknowledged offset %d for chunk [%d,%d)", next, offset, offset+uint64(len(data)))}
	}
	return next, nil
}

// Terminate asks the server to discard an upload.
func (c *Client) Terminate(ctx context.Context, uploadURL string) error {
	resp, err := c.do(ctx, http.MethodDelete, uploadURL, nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target string, headers http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &Error{Kind: ErrProtocol, Err: err}
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set(HeaderTusResumable, TusResumable)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Pause and abort surface as the bare context error.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Kind: ErrNetwork, Err: err}
	}
	return resp, nil
}

func responseError(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	e := &Error{
		Kind:   kindForStatus(resp.StatusCode),
		Status: resp.StatusCode,
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		e.Err = errors.New(msg)
	}
	if e.Kind == ErrOffsetConflict {
		if off, err := strconv.ParseUint(resp.Header.Get(HeaderUploadOffset), 10, 64); err == nil {
			e.Offset = off
		}
	}
	return e
}

func headerUint(resp *http.Response, name string) (uint64, error) {
	v, err := strconv.ParseUint(resp.Header.Get(name), 10, 64)
	if err != nil {
		return 0, &Error{Kind: ErrProtocol, Status: resp.StatusCode, Err: fmt.Errorf("bad %s header %q", name, resp.Header.Get(name))}
	}
	return v, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
