// Package replay reconstructs a live HTTP request from a stored (possibly
// user-edited) captured record and executes it, reporting the outcome to
// whoever is listening.
package replay

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"sort"
	"strings"
	"time"

	"devmate/storage"
)

// Publisher delivers results to listening UI surfaces; may be nil for
// one-shot CLI replays.
type Publisher interface {
	Publish(action string, payload any)
}

// RequestInfo echoes what was actually transmitted after body and header
// reconstruction, so a mismatch against the stored record can be diagnosed.
type RequestInfo struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     storage.HeaderSet `json:"headers"`
	Body        string            `json:"body,omitempty"`
	BodySummary string            `json:"bodySummary,omitempty"`
}

// Result is the outcome of one replay invocation. Status, StatusText and
// Body are nil when the request never completed; a readable status with an
// unreadable body is a partial success, not a failure.
type Result struct {
	RequestID  string           `json:"requestId"`
	Status     *int             `json:"status"`
	StatusText *string          `json:"statusText"`
	Headers    []storage.Header `json:"headers"`
	Body       *string          `json:"body"`
	Error      string           `json:"error,omitempty"`
	Request    RequestInfo      `json:"requestInfo"`
	Duration   time.Duration    `json:"duration"`
}

// Engine executes replays. The client carries a cookie jar and does not
// strip stored Cookie headers, so a replay runs with the same credentials
// the original request had.
type Engine struct {
	client *http.Client
	bus    Publisher
}

// NewEngine creates an engine with the given request timeout. There is no
// application-level cancellation beyond the timeout.
func NewEngine(timeout time.Duration, bus Publisher) *Engine {
	jar, err := cookiejar.New(nil)
	if err != nil {
		log.Printf("replay: cookie jar unavailable: %v", err)
	}

	return &Engine{
		client: &http.Client{Timeout: timeout, Jar: jar},
		bus:    bus,
	}
}

// Replay executes the record and delivers exactly one Result via the bus.
// The result is also returned for synchronous callers.
func (e *Engine) Replay(rec *storage.CapturedRequest) *Result {
	result := e.execute(rec)
	if e.bus != nil {
		e.bus.Publish("replayResult", map[string]any{"result": result})
	}
	return result
}

func (e *Engine) execute(rec *storage.CapturedRequest) *Result {
	result := &Result{
		RequestID: rec.ID,
		Headers:   []storage.Header{},
	}

	method := strings.ToUpper(rec.Method)
	if method == "" {
		method = http.MethodGet
	}

	headers := make(storage.HeaderSet, len(rec.Headers))
	copy(headers, rec.Headers)

	body, contentType, summary, err := buildBody(rec)
	if err != nil {
		result.Error = err.Error()
		result.Request = requestInfo(method, rec.URL, headers, rec.Body, summary)
		return result
	}
	if contentType != "" {
		if _, present := headers.Get("Content-Type"); !present {
			headers = append(headers, storage.Header{Name: "Content-Type", Value: contentType})
		}
	}

	sentBody := rec.Body
	if rec.BodyKind == storage.BodyForm {
		sentBody = summary
	}
	result.Request = requestInfo(method, rec.URL, headers, sentBody, summary)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, rec.URL, reader)
	if err != nil {
		result.Error = fmt.Sprintf("failed to build request: %v", err)
		return result
	}
	applyHeaders(req, headers)

	start := time.Now()
	resp, err := e.client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		// Transport failure: no status line was ever received.
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode)))
	result.Status = &status
	result.StatusText = &statusText
	result.Headers = responseHeaders(resp)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		// Body-read failure is partial success: the status still stands.
		result.Error = fmt.Sprintf("could not read response body (opaque or interrupted response): %v", err)
		return result
	}

	text := string(respBody)
	result.Body = &text
	return result
}

// buildBody resolves the body variant in priority order: none, form fields
// as multipart (repeating array-valued fields), JSON text with a
// conditional Content-Type, raw text verbatim.
func buildBody(rec *storage.CapturedRequest) (body []byte, contentType, summary string, err error) {
	switch rec.BodyKind {
	case storage.BodyForm:
		fields, ferr := rec.FormFields()
		if ferr != nil {
			return nil, "", "", fmt.Errorf("failed to rebuild form body: %w", ferr)
		}
		if len(fields) == 0 {
			return nil, "", "", nil
		}

		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)

		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			for _, value := range fields[name] {
				if werr := writer.WriteField(name, value); werr != nil {
					return nil, "", "", fmt.Errorf("failed to encode form field %q: %w", name, werr)
				}
			}
		}
		if werr := writer.Close(); werr != nil {
			return nil, "", "", fmt.Errorf("failed to finish form body: %w", werr)
		}

		return buf.Bytes(), writer.FormDataContentType(), summarizeForm(names, fields), nil

	case storage.BodyJSON:
		if rec.Body == "" {
			return nil, "", "", nil
		}
		return []byte(rec.Body), "application/json", "", nil

	case storage.BodyRaw:
		if rec.Body == "" {
			return nil, "", "", nil
		}
		return []byte(rec.Body), "", "", nil

	default:
		return nil, "", "", nil
	}
}

func summarizeForm(names []string, fields map[string][]string) string {
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s(%d)", name, len(fields[name])))
	}
	return "multipart form fields: " + strings.Join(parts, ", ")
}

// applyHeaders writes headers into the request preserving their recorded
// case. Host is routed through req.Host; Content-Length is owned by the
// transport and skipped.
func applyHeaders(req *http.Request, headers storage.HeaderSet) {
	for _, h := range headers {
		switch {
		case strings.EqualFold(h.Name, "Host"):
			req.Host = h.Value
		case strings.EqualFold(h.Name, "Content-Length"):
			// transport computes it
		default:
			req.Header[h.Name] = append(req.Header[h.Name], h.Value)
		}
	}
}

func responseHeaders(resp *http.Response) []storage.Header {
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]storage.Header, 0, len(resp.Header))
	for _, name := range names {
		for _, value := range resp.Header[name] {
			headers = append(headers, storage.Header{Name: name, Value: value})
		}
	}
	return headers
}

func requestInfo(method, url string, headers storage.HeaderSet, body, summary string) RequestInfo {
	return RequestInfo{
		Method:      method,
		URL:         url,
		Headers:     headers,
		Body:        body,
		BodySummary: summary,
	}
}
