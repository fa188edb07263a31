package executors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/stepflow"
	"github.com/deepnoodle-ai/stepflow/retry"
	"github.com/deepnoodle-ai/stepflow/script"
	"github.com/deepnoodle-ai/stepflow/state"
)

// ErrorTypeHTTP is the ExecutorError type of a non-2xx response when
// FailOnError is set
const ErrorTypeHTTP = "http_error"

// HTTPConfig configures an HTTP executor
type HTTPConfig struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	Timeout         time.Duration     `json:"-"`
	FollowRedirects *bool             `json:"follow_redirects"`
	FailOnError     bool              `json:"fail_on_error"`
}

// HTTPResponse is the output of an HTTP executor
type HTTPResponse struct {
	StatusCode    int               `json:"status_code"`
	Status        string            `json:"status"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body"`
	JSON          any               `json:"json,omitempty"`
	Success       bool              `json:"success"`
	ContentLength int64             `json:"content_length"`
}

// HTTP sends a request and outputs the response. The URL may reference
// input and state with ${...} expressions. For methods other than GET and
// HEAD a non-null input is sent as the JSON request body.
//
// With FailOnError a non-2xx response fails the invocation. 5xx and 429
// responses fail with a recoverable error so WithRetry retries them.
type HTTP struct {
	id     string
	config HTTPConfig
	url    *script.Template
	client *http.Client
}

func NewHTTP(id string, compiler script.Compiler, config HTTPConfig) (*HTTP, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("http executor %q requires a url", id)
	}
	t, err := script.NewTemplate(compiler, config.URL)
	if err != nil {
		return nil, err
	}
	if config.Method == "" {
		config.Method = http.MethodGet
	}
	config.Method = strings.ToUpper(config.Method)
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: config.Timeout}
	if config.FollowRedirects != nil && !*config.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &HTTP{id: id, config: config, url: t, client: client}, nil
}

func newHTTPFromConfig(id string, config map[string]any, reg *stepflow.Registry) (stepflow.Executor, error) {
	var params HTTPConfig
	if err := decodeConfig(config, &params); err != nil {
		return nil, err
	}
	if raw, ok := config["timeout"]; ok {
		timeout, err := parseDuration(raw)
		if err != nil {
			return nil, err
		}
		params.Timeout = timeout
	}
	return NewHTTP(id, compilerOrDefault(reg), params)
}

func (h *HTTP) ID() string {
	return h.id
}

func (h *HTTP) Execute(ctx stepflow.Context, input state.Value) (any, error) {
	globals, err := scriptGlobals(ctx, input)
	if err != nil {
		return nil, err
	}
	url, err := h.url.Eval(ctx, globals)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	sendsBody := h.config.Method != http.MethodGet && h.config.Method != http.MethodHead
	if sendsBody && !input.IsNull() {
		body = bytes.NewReader(input)
	}
	req, err := http.NewRequestWithContext(ctx, h.config.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range h.config.Headers {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	output := HTTPResponse{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		Body:          string(respBody),
		Success:       resp.StatusCode >= 200 && resp.StatusCode < 300,
		ContentLength: resp.ContentLength,
		Headers:       make(map[string]string, len(resp.Header)),
	}
	for key, values := range resp.Header {
		if len(values) > 0 {
			output.Headers[key] = values[0]
		}
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			output.JSON = parsed
		}
	}

	if h.config.FailOnError && !output.Success {
		execErr := stepflow.NewExecutorError(ErrorTypeHTTP, fmt.Sprintf("%s %s: %s", h.config.Method, url, resp.Status))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, retry.NewRecoverableError(execErr)
		}
		return nil, execErr
	}
	return output, nil
}
