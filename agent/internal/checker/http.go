package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/smotra-agent/pkg/types"
)

// HTTPChecker issues a GET and measures time to the full body.
//
// Endpoint params:
//   - scheme: "http" or "https" (default https, or http on port 80)
//   - path: request path (default "/")
//   - insecure: "true" skips TLS verification
type HTTPChecker struct {
	client   *http.Client
	insecure *http.Client
}

// NewHTTPChecker creates an HTTP GET checker. Redirects are not followed;
// a 3xx answer already proves the server is up.
func NewHTTPChecker(userAgent string) *HTTPChecker {
	noRedirect := func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DisableKeepAlives = true

	insecure := base.Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &HTTPChecker{
		client: &http.Client{
			Transport:     &uaTransport{next: base, ua: userAgent},
			CheckRedirect: noRedirect,
		},
		insecure: &http.Client{
			Transport:     &uaTransport{next: insecure, ua: userAgent},
			CheckRedirect: noRedirect,
		},
	}
}

// Kind returns the check kind.
func (c *HTTPChecker) Kind() types.CheckKind {
	return types.CheckHTTPGet
}

// Capabilities returns what this checker needs.
func (c *HTTPChecker) Capabilities() Capabilities {
	return Capabilities{}
}

// Check fetches the endpoint URL. 2xx and 3xx are successes.
func (c *HTTPChecker) Check(ctx context.Context, target Target) (*types.MonitoringResult, error) {
	result := newResult(target, types.CheckHTTPGet, time.Now())
	url := targetURL(target)
	res := &types.HTTPResult{URL: url}
	result.HTTP = res

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Error = fmt.Sprintf("building request: %v", err)
		return result, nil
	}

	client := c.client
	if target.Params["insecure"] == "true" {
		client = c.insecure
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			res.Error = fmt.Sprintf("request timed out after %v", timeout)
		} else {
			res.Error = err.Error()
		}
		return result, nil
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)

	res.StatusCode = resp.StatusCode
	res.ResponseSizeBytes = n
	res.ResponseTimeMs = types.Float64(types.Millis(elapsed))
	if err != nil {
		res.Error = fmt.Sprintf("reading body: %v", err)
		return result, nil
	}

	res.Success = resp.StatusCode >= 200 && resp.StatusCode < 400
	if !res.Success {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return result, nil
}

// targetURL builds the request URL from the endpoint address, port and
// params. An address that is already a URL is used as is.
func targetURL(t Target) string {
	if strings.HasPrefix(t.Address, "http://") || strings.HasPrefix(t.Address, "https://") {
		return t.Address
	}

	scheme := t.Params["scheme"]
	if scheme == "" {
		scheme = "https"
		if t.Port != nil && *t.Port == 80 {
			scheme = "http"
		}
	}

	host := t.Address
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if t.Port != nil && !defaultPort(scheme, *t.Port) {
		host += ":" + strconv.Itoa(int(*t.Port))
	}

	path := t.Params["path"]
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + host + path
}

func defaultPort(scheme string, port uint16) bool {
	return (scheme == "http" && port == 80) || (scheme == "https" && port == 443)
}

// uaTransport sets the User-Agent on every probe.
type uaTransport struct {
	next http.RoundTripper
	ua   string
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.ua != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.next.RoundTrip(req)
}
