package storagehttp

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables making up the ccache remote storage helper contract.
// ccache sets these when it spawns the helper; they are the only interface
// besides the IPC stream itself.
const (
	EnvIPCEndpoint = "CRSH_IPC_ENDPOINT"
	EnvURL         = "CRSH_URL"
	EnvIdleTimeout = "CRSH_IDLE_TIMEOUT"
	EnvNumAttr     = "CRSH_NUM_ATTR"
	EnvLogFile     = "CRSH_LOGFILE"

	envAttrKeyPrefix   = "CRSH_ATTR_KEY_"
	envAttrValuePrefix = "CRSH_ATTR_VALUE_"
)

// Header is one configured extra HTTP header. Order is preserved.
type Header struct {
	Name  string
	Value string
}

// Config holds the runtime parameters of the helper. It is immutable after
// ParseConfig returns.
type Config struct {
	// IPCEndpoint is the rendezvous point for the local stream: a
	// filesystem path on unix, a \\.\pipe\ name on Windows.
	IPCEndpoint string

	// OriginURL is the base URL of the HTTP store.
	OriginURL string

	// IdleTimeout shuts the helper down after this long without IPC
	// activity. Zero disables idle supervision.
	IdleTimeout time.Duration

	// BearerToken, when non-empty, is sent as "Authorization: Bearer ..."
	// on every request.
	BearerToken string

	// Layout maps hex keys to URLs below the origin.
	Layout Layout

	// Headers are extra HTTP headers appended to every request, in order.
	Headers []Header
}

// ParseConfig materializes a Config from the CRSH_* environment variables.
func ParseConfig() (*Config, error) {
	config := &Config{}

	endpoint := os.Getenv(EnvIPCEndpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%s not set", EnvIPCEndpoint)
	}
	config.IPCEndpoint = endpointPath(endpoint)

	url := os.Getenv(EnvURL)
	if url == "" {
		return nil, fmt.Errorf("%s not set", EnvURL)
	}
	config.OriginURL = url

	idleTimeout := os.Getenv(EnvIdleTimeout)
	if idleTimeout == "" {
		idleTimeout = "0"
	}
	seconds, err := strconv.ParseUint(idleTimeout, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%s must be a non-negative integer", EnvIdleTimeout)
	}
	config.IdleTimeout = time.Duration(seconds) * time.Second

	numAttrStr := os.Getenv(EnvNumAttr)
	if numAttrStr == "" {
		numAttrStr = "0"
	}
	numAttr, err := strconv.ParseUint(numAttrStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%s must be a non-negative integer", EnvNumAttr)
	}

	for i := uint64(0); i < numAttr; i++ {
		keyEnv := envAttrKeyPrefix + strconv.FormatUint(i, 10)
		valueEnv := envAttrValuePrefix + strconv.FormatUint(i, 10)

		key, ok := os.LookupEnv(keyEnv)
		if !ok {
			return nil, fmt.Errorf("%s not set", keyEnv)
		}
		value, ok := os.LookupEnv(valueEnv)
		if !ok {
			return nil, fmt.Errorf("%s not set", valueEnv)
		}

		switch key {
		case "bearer-token":
			config.BearerToken = value
		case "layout":
			config.Layout = parseLayout(value)
		case "header":
			// "Name=Value"; the first "=" separates. A value without "="
			// is silently ignored.
			if name, headerValue, found := strings.Cut(value, "="); found {
				config.Headers = append(config.Headers, Header{Name: name, Value: headerValue})
			}
		}
	}

	return config, nil
}
