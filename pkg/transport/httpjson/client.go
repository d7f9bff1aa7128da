package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/clusternode/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    c.transport.TLSClientConfig = cfg
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

const attempts = 3

// backoff waits before the next attempt unless ctx is done.
func backoff(ctx context.Context, attempt int) error {
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        return nil
    }
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    var lastErr error
    for attempt := 0; attempt < attempts; attempt++ {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
        if err != nil { return nil, err }
        b, status, err := c.do(req)
        switch {
        case err != nil:
            lastErr = err
        case status != http.StatusOK:
            lastErr = fmt.Errorf("status %d: %s", status, string(b))
        default:
            return b, nil
        }
        if err := backoff(ctx, attempt); err != nil { return nil, err }
    }
    return nil, lastErr
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
    resp, err := c.httpc.Do(req)
    if err != nil { return nil, 0, err }
    defer resp.Body.Close()
    b, err := io.ReadAll(resp.Body)
    return b, resp.StatusCode, err
}

// postJSON retries transport failures and 5xx answers. An answer the server
// decoded is returned as is, even when it carries an error.
func postJSON[Resp any](ctx context.Context, c *Client, addr, path string, in any, errOf func(Resp) string) (Resp, error) {
    var out Resp
    body, err := json.Marshal(in)
    if err != nil { return out, err }
    var lastErr error
    for attempt := 0; attempt < attempts; attempt++ {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, path), bytes.NewReader(body))
        if err != nil { return out, err }
        req.Header.Set("Content-Type", "application/json")
        b, status, err := c.do(req)
        if err == nil {
            var r Resp
            _ = json.Unmarshal(b, &r)
            switch {
            case status == http.StatusOK:
                return r, nil
            case errOf(r) != "":
                out, lastErr = r, errors.New(errOf(r))
            default:
                lastErr = fmt.Errorf("%s status %d: %s", path, status, bytes.TrimSpace(b))
            }
            if status < 500 || status == http.StatusNotImplemented { return out, lastErr }
        } else {
            lastErr = err
        }
        if err := backoff(ctx, attempt); err != nil {
            if lastErr == nil { lastErr = err }
            return out, lastErr
        }
    }
    return out, lastErr
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    return postJSON(ctx, c, addr, "/join", req, joinError)
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.WriteResponse, error) {
    return postJSON(ctx, c, addr, "/leave", req, writeError)
}

func (c *Client) PostIndex(ctx context.Context, addr string, req transport.IndexRequest) (transport.WriteResponse, error) {
    return postJSON(ctx, c, addr, "/indices", req, writeError)
}

func (c *Client) PostSetting(ctx context.Context, addr string, req transport.SettingRequest) (transport.WriteResponse, error) {
    return postJSON(ctx, c, addr, "/settings", req, writeError)
}

var _ transport.RPCClient = (*Client)(nil)
