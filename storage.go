package storagehttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Connection pool caps, matching what ccache's own helper uses.
const (
	maxConnsPerHost = 16
	maxPooledConns  = 16
	maxRedirects    = 5
)

type operation int

const (
	opGet operation = iota
	opPut
	opHead
	opDelete
)

func (op operation) method() string {
	switch op {
	case opPut:
		return http.MethodPut
	case opHead:
		return http.MethodHead
	case opDelete:
		return http.MethodDelete
	default:
		return http.MethodGet
	}
}

// storageRequest is one in-flight HTTP operation. It owns its payload and
// response buffers until the callback has run.
type storageRequest struct {
	op       operation
	url      string
	payload  []byte // PUT only
	callback Callback
}

// Client translates storage operations into HTTP requests against the
// configured origin. Many operations may be in flight at once over a shared
// connection pool; each callback is invoked exactly once, asynchronously.
type Client struct {
	config     *Config
	log        zerolog.Logger
	ctx        context.Context
	httpClient *http.Client
	origin     string

	mu       sync.Mutex
	nextID   int64
	inFlight map[int64]*storageRequest

	wg sync.WaitGroup
}

// NewClient creates a storage client. Operations are aborted when ctx is
// canceled; callbacks of aborted operations are dropped.
func NewClient(ctx context.Context, config *Config, log zerolog.Logger) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxConnsPerHost:     maxConnsPerHost,
		MaxIdleConns:        maxPooledConns,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// via holds every request made so far, so it has
			// maxRedirects+1 entries once maxRedirects hops were followed.
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &Client{
		config:     config,
		log:        log,
		ctx:        ctx,
		httpClient: httpClient,
		origin:     normalizeOrigin(config.OriginURL),
		inFlight:   make(map[int64]*storageRequest),
	}
}

// Get fetches the entry for hexKey. The callback receives ResultOK with the
// body, ResultNoop when the entry does not exist, or ResultError.
func (c *Client) Get(hexKey string, callback Callback) {
	requestURL := buildURL(c.origin, c.config.Layout, hexKey)
	c.log.Debug().Str("url", requestURL).Msg("GET")
	c.start(&storageRequest{op: opGet, url: requestURL, callback: callback})
}

// Put stores data under hexKey. With overwrite false an existing entry is
// left alone: a HEAD probe runs first, and only a miss proceeds to the
// upload. ResultNoop means the entry was already present.
func (c *Client) Put(hexKey string, data []byte, overwrite bool, callback Callback) {
	c.log.Debug().
		Str("key", hexKey).
		Int("bytes", len(data)).
		Bool("overwrite", overwrite).
		Msg("PUT")

	requestURL := buildURL(c.origin, c.config.Layout, hexKey)
	if overwrite {
		c.start(&storageRequest{op: opPut, url: requestURL, payload: data, callback: callback})
		return
	}

	c.start(&storageRequest{op: opHead, url: requestURL, callback: func(response Response) {
		switch response.Result {
		case ResultNoop:
			c.log.Debug().Str("url", requestURL).Msg("HEAD check: entry missing, uploading")
			c.start(&storageRequest{op: opPut, url: requestURL, payload: data, callback: callback})
		case ResultOK:
			c.log.Debug().Str("url", requestURL).Msg("HEAD check: entry exists, not overwriting")
			callback(Response{Result: ResultNoop})
		default:
			callback(response)
		}
	}})
}

// Remove deletes the entry for hexKey. The callback receives ResultOK on
// 2xx, ResultNoop when the entry did not exist, or ResultError.
func (c *Client) Remove(hexKey string, callback Callback) {
	requestURL := buildURL(c.origin, c.config.Layout, hexKey)
	c.log.Debug().Str("url", requestURL).Msg("DELETE")
	c.start(&storageRequest{op: opDelete, url: requestURL, callback: callback})
}

// InFlight reports the number of operations currently registered. It is
// zero once the helper has shut down cleanly.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

// Close waits for in-flight operations to finish (canceling ctx aborts
// them) and releases pooled connections.
func (c *Client) Close() {
	c.wg.Wait()
	c.httpClient.CloseIdleConnections()
}

// start registers the request and runs it on its own goroutine, so the
// callback can never be reached from within the scheduling call.
func (c *Client) start(r *storageRequest) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.inFlight[id] = r
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		response := c.roundTrip(r)
		c.finish(id, response)
	}()
}

// finish removes the request from the registry before the callback runs, so
// a callback re-scheduling work never observes its own completed request.
// During shutdown completions are dropped.
func (c *Client) finish(id int64, response Response) {
	c.mu.Lock()
	r := c.inFlight[id]
	delete(c.inFlight, id)
	c.mu.Unlock()

	if r == nil || c.ctx.Err() != nil {
		return
	}
	r.callback(response)
}

func (c *Client) roundTrip(r *storageRequest) Response {
	var body io.Reader
	if r.op == opPut {
		body = bytes.NewReader(r.payload)
	}
	req, err := http.NewRequestWithContext(c.ctx, r.op.method(), r.url, body)
	if err != nil {
		return Response{Result: ResultError, Err: err.Error()}
	}
	if r.op == opPut {
		req.ContentLength = int64(len(r.payload))
	}
	if c.config.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	}
	for _, header := range c.config.Headers {
		req.Header.Add(header.Name, header.Value)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		msg := transportError(err)
		c.log.Debug().Str("url", r.url).Str("error", msg).Msg("transport error")
		return Response{Result: ResultError, Err: msg}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{Result: ResultError, Err: transportError(err)}
	}

	c.log.Debug().Str("url", r.url).Int("status", res.StatusCode).Msg("request completed")

	response := Response{}
	response.Result, response.Err = classify(r.op, res.StatusCode)
	if r.op == opGet && response.Result == ResultOK {
		response.Data = data
	}
	return response
}

// classify maps an HTTP status to the tri-state result domain. 404 means
// "no such entry" except on PUT, where the entry should have been created;
// 409/412 on PUT mean the entry already exists and was not overwritten.
func classify(op operation, status int) (Result, string) {
	switch {
	case status >= 200 && status < 300:
		return ResultOK, ""
	case status == http.StatusNotFound:
		if op == opPut {
			return ResultError, httpStatusError(status)
		}
		return ResultNoop, ""
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		if op == opPut {
			return ResultNoop, ""
		}
		return ResultError, httpStatusError(status)
	default:
		return ResultError, httpStatusError(status)
	}
}

func httpStatusError(status int) string {
	return fmt.Sprintf("HTTP %d", status)
}

// transportError extracts a readable message from a failed round trip,
// dropping the url.Error wrapper which would repeat the request URL.
func transportError(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}
