// Package capture merges the two interception stages the host browser
// exposes for an outbound request into a single record and routes it to
// storage and live listeners.
package capture

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"devmate/storage"
)

// RequestBody is the early interception stage: it fires before headers are
// finalized and is the only point where the request body is visible. The
// body arrives either as a parsed form-field map or as raw byte chunks,
// never both.
type RequestBody struct {
	Token     string
	URL       string
	Method    string
	Type      string
	FormData  map[string][]string
	RawChunks [][]byte
}

// RequestHeaders is the late interception stage: it fires once headers are
// attached, immediately before the request goes on the wire. Fields other
// than Token and Headers may be empty depending on the host; values present
// here win over the early stage.
type RequestHeaders struct {
	Token   string
	URL     string
	Method  string
	Type    string
	Headers storage.HeaderSet
}

// Sink receives merged records. Implementations must tolerate concurrent
// calls.
type Sink interface {
	HandleCapture(rec *storage.CapturedRequest)
}

type pendingCapture struct {
	url      string
	method   string
	typ      string
	bodyKind storage.BodyKind
	body     string
	hasBody  bool
	created  time.Time
}

// Interceptor correlates the two stages by the host-assigned token. It is a
// pure observer: it never delays or fails the request it is watching.
//
// A pending entry whose second stage never arrives (request aborted before
// headers were attached) is evicted after ttl.
type Interceptor struct {
	mu      sync.Mutex
	pending map[string]*pendingCapture

	sink Sink
	ttl  time.Duration
	done chan struct{}
}

// NewInterceptor creates an interceptor delivering merged records to sink.
// A sweepInterval of zero disables the eviction loop (useful in tests).
func NewInterceptor(sink Sink, ttl, sweepInterval time.Duration) *Interceptor {
	i := &Interceptor{
		pending: make(map[string]*pendingCapture),
		sink:    sink,
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go i.sweepLoop(sweepInterval)
	}
	return i
}

func (i *Interceptor) Close() {
	close(i.done)
}

// OnBeforeRequest records the early stage. At most one pending entry exists
// per token; a second early stage for the same token overwrites the first.
func (i *Interceptor) OnBeforeRequest(ev RequestBody) {
	p := &pendingCapture{
		url:     ev.URL,
		method:  ev.Method,
		typ:     ev.Type,
		created: time.Now(),
	}
	p.bodyKind, p.body, p.hasBody = decodeBody(ev)

	i.mu.Lock()
	i.pending[ev.Token] = p
	i.mu.Unlock()
}

// OnSendHeaders consumes the pending entry for the token and emits the
// merged record. A missing pending entry is expected (a request that never
// exposed a body), not an error.
func (i *Interceptor) OnSendHeaders(ev RequestHeaders) {
	i.mu.Lock()
	p := i.pending[ev.Token]
	delete(i.pending, ev.Token)
	i.mu.Unlock()

	rec := &storage.CapturedRequest{
		ID:        newRequestID(ev.Token),
		URL:       ev.URL,
		Method:    strings.ToUpper(ev.Method),
		Headers:   ev.Headers,
		Type:      ev.Type,
		Timestamp: time.Now().UnixMilli(),
	}

	if p != nil {
		if rec.URL == "" {
			rec.URL = p.url
		}
		if rec.Method == "" {
			rec.Method = strings.ToUpper(p.method)
		}
		if rec.Type == "" {
			rec.Type = p.typ
		}
		if p.hasBody {
			rec.BodyKind = p.bodyKind
			rec.Body = p.body
		}
	}

	go i.sink.HandleCapture(rec)
}

// PendingCount reports the number of not-yet-merged early stages.
func (i *Interceptor) PendingCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

func (i *Interceptor) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			i.evictStale(time.Now())
		case <-i.done:
			return
		}
	}
}

func (i *Interceptor) evictStale(now time.Time) {
	threshold := now.Add(-i.ttl)

	i.mu.Lock()
	defer i.mu.Unlock()

	for token, p := range i.pending {
		if p.created.Before(threshold) {
			delete(i.pending, token)
		}
	}
}

// decodeBody applies the capture decoding policy: a form-field map is kept
// structurally; raw chunks are concatenated and must decode as UTF-8 text;
// anything else captures no body rather than failing the pipeline.
func decodeBody(ev RequestBody) (storage.BodyKind, string, bool) {
	if len(ev.FormData) > 0 {
		encoded, err := json.Marshal(ev.FormData)
		if err != nil {
			return storage.BodyNone, "", false
		}
		return storage.BodyForm, string(encoded), true
	}

	if len(ev.RawChunks) > 0 {
		var joined []byte
		for _, chunk := range ev.RawChunks {
			joined = append(joined, chunk...)
		}
		if !utf8.Valid(joined) {
			return storage.BodyNone, "", false
		}
		return storage.BodyRaw, string(joined), true
	}

	return storage.BodyNone, "", false
}

// newRequestID builds the record id from the host's correlation token, the
// merge timestamp and a random suffix.
func newRequestID(token string) string {
	suffix := uuid.NewString()
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s-%d-%s", token, time.Now().UnixMilli(), suffix)
}
