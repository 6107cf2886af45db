package capture

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"devmate/storage"
)

// Publisher is the outbound side of the notification bus. Publishing is
// fire-and-forget; a publish with no listeners is a no-op.
type Publisher interface {
	Publish(action string, payload any)
}

// Controller decides per merged record whether it is persisted, broadcast
// live, or dropped. The capture flag is read fresh on every record so a
// toggle takes effect on the very next interception.
type Controller struct {
	store *storage.Database
	bus   Publisher

	// uiReady is latched by the contentScriptReady handshake and stays set
	// for the remainder of the process lifetime.
	uiReady atomic.Bool
}

func NewController(store *storage.Database, bus Publisher) *Controller {
	return &Controller{store: store, bus: bus}
}

// MarkUIReady records that at least one UI surface announced itself.
func (c *Controller) MarkUIReady() {
	c.uiReady.Store(true)
}

func (c *Controller) UIReady() bool {
	return c.uiReady.Load()
}

// ToggleCapture persists the new flag value and returns what a subsequent
// read observes, so the acknowledgment always matches the stored state.
func (c *Controller) ToggleCapture(enabled bool) (bool, error) {
	if err := c.store.SetCaptureEnabled(enabled); err != nil {
		return false, err
	}
	return c.store.CaptureEnabled()
}

// HandleCapture implements Sink.
func (c *Controller) HandleCapture(rec *storage.CapturedRequest) {
	enabled, err := c.store.CaptureEnabled()
	if err != nil {
		log.Printf("capture: failed to read capture flag: %v", err)
		return
	}

	if enabled {
		if err := c.store.AppendCapturedRequest(rec); err != nil {
			log.Printf("capture: failed to persist request %s: %v", rec.ID, err)
			return
		}
		c.bus.Publish("newCapturedRequest", map[string]any{"request": rec})
		return
	}

	if !c.uiReady.Load() {
		return
	}

	c.bus.Publish("addFetchRequest", map[string]any{
		"requestName":    displayName(rec.Method, rec.URL),
		"fetchCode":      fetchSnippet(rec),
		"requestDetails": rec,
	})
}

// displayName builds the short label shown in the live feed: the first 20
// characters of the URL plus its last path segment.
func displayName(method, url string) string {
	head := url
	if len(head) > 20 {
		// cut on a rune boundary so a multi-byte character straddling
		// the limit does not leave invalid UTF-8 in the name
		cut := 20
		for cut > 0 && !utf8.RuneStart(head[cut]) {
			cut--
		}
		head = head[:cut]
	}

	name := head + "..."
	if idx := strings.LastIndex(url, "/"); idx > 0 {
		name += url[idx:]
	}
	return method + " " + name
}

// fetchSnippet renders an executable fetch() call equivalent to the
// captured request, for pasting into a devtools console.
func fetchSnippet(rec *storage.CapturedRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch(%q, {\n  method: %q,\n  headers: {\n", rec.URL, rec.Method)
	for i, h := range rec.Headers {
		fmt.Fprintf(&b, "    %q: %q", h.Name, h.Value)
		if i < len(rec.Headers)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("  },\n")
	if rec.BodyKind == storage.BodyRaw || rec.BodyKind == storage.BodyJSON {
		fmt.Fprintf(&b, "  body: %q,\n", rec.Body)
	}
	b.WriteString("});")
	return b.String()
}
