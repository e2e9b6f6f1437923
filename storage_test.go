package storagehttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestClient(t *testing.T, config *Config) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(ctx, config, zerolog.Nop())
	t.Cleanup(func() {
		client.Close()
		cancel()
	})
	return client
}

func awaitResponse(t *testing.T, responses chan Response) Response {
	t.Helper()
	select {
	case response := <-responses:
		return response
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for storage response")
		return Response{}
	}
}

func TestStorageGet(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/ab/cdef", r.URL.Path)
		w.Write([]byte("X"))
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutSubdirs})
	responses := make(chan Response, 1)
	client.Get("abcdef", func(response Response) { responses <- response })

	response := awaitResponse(t, responses)
	assert.Equal(t, ResultOK, response.Result)
	assert.Equal(t, []byte("X"), response.Data)
}

func TestStorageGetMiss(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutFlat})
	responses := make(chan Response, 1)
	client.Get("abcdef", func(response Response) { responses <- response })

	response := awaitResponse(t, responses)
	assert.Equal(t, ResultNoop, response.Result)
	assert.Empty(t, response.Data)
}

func TestStorageGetHTTPError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutFlat})
	responses := make(chan Response, 1)
	client.Get("abcdef", func(response Response) { responses <- response })

	response := awaitResponse(t, responses)
	assert.Equal(t, ResultError, response.Result)
	assert.Equal(t, "HTTP 500", response.Err)
}

func TestStorageConditionalPutUploads(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	var uploaded []byte
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			uploaded = body
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutFlat})
	responses := make(chan Response, 1)
	client.Put("ab", []byte("payload"), false, func(response Response) { responses <- response })

	response := awaitResponse(t, responses)
	assert.Equal(t, ResultOK, response.Result)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{http.MethodHead, http.MethodPut}, methods)
	assert.Equal(t, []byte("payload"), uploaded)
}

func TestStorageConditionalPutExisting(t *testing.T) {
	var requests atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodHead, r.Method, "no upload should happen")
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutFlat})
	responses := make(chan Response, 1)
	client.Put("ab", []byte("payload"), false, func(response Response) { responses <- response })

	response := awaitResponse(t, responses)
	assert.Equal(t, ResultNoop, response.Result)
	assert.Equal(t, int32(1), requests.Load())
}

func TestStorageConditionalPutHeadError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutFlat})
	responses := make(chan Response, 1)
	client.Put("ab", []byte("payload"), false, func(response Response) { responses <- response })

	response := awaitResponse(t, responses)
	assert.Equal(t, ResultError, response.Result)
	assert.Equal(t, "HTTP 502", response.Err)
}

func TestStoragePutOverwrite(t *testing.T) {
	var methods []string
	var mu sync.Mutex
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutFlat})
	responses := make(chan Response, 1)
	client.Put("ab", []byte("payload"), true, func(response Response) { responses <- response })

	response := awaitResponse(t, responses)
	assert.Equal(t, ResultOK, response.Result)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{http.MethodPut}, methods, "overwrite skips the HEAD probe")
}

func TestStoragePutPreconditionFailed(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutFlat})
	responses := make(chan Response, 1)
	client.Put("ab", []byte("payload"), true, func(response Response) { responses <- response })

	response := awaitResponse(t, responses)
	assert.Equal(t, ResultNoop, response.Result)
}

func TestStoragePutNotFoundIsError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutFlat})
	responses := make(chan Response, 1)
	client.Put("ab", []byte("payload"), true, func(response Response) { responses <- response })

	response := awaitResponse(t, responses)
	assert.Equal(t, ResultError, response.Result)
	assert.Equal(t, "HTTP 404", response.Err)
}

func TestStorageRemove(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutFlat})

	responses := make(chan Response, 1)
	client.Remove("present", func(response Response) { responses <- response })
	assert.Equal(t, ResultOK, awaitResponse(t, responses).Result)

	client.Remove("missing", func(response Response) { responses <- response })
	assert.Equal(t, ResultNoop, awaitResponse(t, responses).Result)
}

func TestStorageRequestHeaders(t *testing.T) {
	var gotAuth, gotCustom string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{
		OriginURL:   origin.URL,
		Layout:      LayoutFlat,
		BearerToken: "sekrit",
		Headers:     []Header{{Name: "X-Custom", Value: "42"}},
	})
	responses := make(chan Response, 1)
	client.Get("ab", func(response Response) { responses <- response })
	awaitResponse(t, responses)

	assert.Equal(t, "Bearer sekrit", gotAuth)
	assert.Equal(t, "42", gotCustom)
}

func TestStorageTransportError(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin.Close() // nothing is listening anymore

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutFlat})
	responses := make(chan Response, 1)
	client.Get("ab", func(response Response) { responses <- response })

	response := awaitResponse(t, responses)
	assert.Equal(t, ResultError, response.Result)
	assert.NotEmpty(t, response.Err)
}

func TestStorageBazelPath(t *testing.T) {
	var path string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutBazel})
	responses := make(chan Response, 1)
	client.Get("0123456789", func(response Response) { responses <- response })
	awaitResponse(t, responses)

	assert.Len(t, path, len("/ac/")+sha256HexSize)
	assert.Equal(t, "/ac/012345678901234567890123456789012345678901234567890123456789"+"0123", path)
}

func TestStorageCallbackExactlyOnce(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer origin.Close()

	client := newTestClient(t, &Config{OriginURL: origin.URL, Layout: LayoutFlat})

	var calls atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	done := func(Response) {
		calls.Add(1)
		wg.Done()
	}
	client.Get("aa", done)
	client.Put("bb", []byte("v"), false, done)
	client.Remove("cc", done)
	wg.Wait()

	client.Close()
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, client.InFlight())
}
