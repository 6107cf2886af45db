// Package browser attaches to a running Chromium over the DevTools
// protocol and feeds its network events into the capture pipeline.
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"devmate/capture"
	"devmate/config"
	"devmate/storage"
)

// Client manages CDP connections to browser tabs and translates their
// network events into the two interception stages.
type Client struct {
	cfg         *config.Config
	interceptor *capture.Interceptor

	allocCtx    context.Context
	allocCancel context.CancelFunc

	tabsMu sync.RWMutex
	tabs   map[target.ID]context.CancelFunc

	extraMu sync.Mutex
	extra   map[network.RequestID]bufferedHeaders
	swept   time.Time
}

type bufferedHeaders struct {
	headers storage.HeaderSet
	created time.Time
}

const extraHeadersTTL = 5 * time.Minute

func NewClient(cfg *config.Config, interceptor *capture.Interceptor) *Client {
	return &Client{
		cfg:         cfg,
		interceptor: interceptor,
		tabs:        make(map[target.ID]context.CancelFunc),
		extra:       make(map[network.RequestID]bufferedHeaders),
		swept:       time.Now(),
	}
}

// Connect attaches to every page target matching the configured URL
// filter and starts listening for network events.
func (c *Client) Connect(ctx context.Context) error {
	cdpURL := c.cfg.CDPURL()
	log.Printf("Connecting to browser at %s", cdpURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cdpURL)

	tempCtx, tempCancel := chromedp.NewContext(c.allocCtx)
	defer tempCancel()

	if err := chromedp.Run(tempCtx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}

	attached := 0
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if !c.matchesTabURL(t.URL) {
			continue
		}
		if err := c.attachToTab(t.TargetID, t.URL); err != nil {
			log.Printf("Failed to attach to tab %s (%s): %v", t.TargetID, t.URL, err)
			continue
		}
		attached++
	}

	if attached == 0 {
		return fmt.Errorf("no tabs found matching tab_url_filter %q", c.cfg.Browser.TabURLFilter)
	}

	log.Printf("Attached to %d tab(s)", attached)
	return nil
}

func (c *Client) attachToTab(targetID target.ID, tabURL string) error {
	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))

	if err := chromedp.Run(tabCtx, network.Enable(), network.SetCacheDisabled(true), page.Enable()); err != nil {
		tabCancel()
		return fmt.Errorf("failed to enable network domain: %w", err)
	}

	c.tabsMu.Lock()
	c.tabs[targetID] = tabCancel
	c.tabsMu.Unlock()

	chromedp.ListenTarget(tabCtx, c.handleEvent)
	log.Printf("Attached to tab %s (%s)", targetID, truncateURL(tabURL))
	return nil
}

// handleEvent feeds network events into the interception stages. The
// protocol makes no ordering promise between RequestWillBeSent and its
// ExtraInfo companion, and ExtraInfo may never fire at all, so the
// RequestWillBeSent event is the merge trigger: an ExtraInfo seen first
// contributes its wire headers, otherwise the request object's own
// headers stand in.
func (c *Client) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		c.interceptor.OnBeforeRequest(capture.RequestBody{
			Token:     string(e.RequestID),
			URL:       e.Request.URL,
			Method:    e.Request.Method,
			Type:      strings.ToLower(string(e.Type)),
			FormData:  formDataFromRequest(e.Request),
			RawChunks: rawChunksFromRequest(e.Request),
		})
		headers := c.takeExtraHeaders(e.RequestID)
		if headers == nil {
			headers = headerSetFromNetwork(e.Request.Headers)
		}
		c.interceptor.OnSendHeaders(capture.RequestHeaders{
			Token:   string(e.RequestID),
			URL:     e.Request.URL,
			Method:  e.Request.Method,
			Type:    strings.ToLower(string(e.Type)),
			Headers: headers,
		})
	case *network.EventRequestWillBeSentExtraInfo:
		c.bufferExtraHeaders(e.RequestID, headerSetFromNetwork(e.Headers))
	}
}

// bufferExtraHeaders keeps wire headers that arrived ahead of their
// RequestWillBeSent event. Entries whose request event already passed or
// never follows are swept out by age.
func (c *Client) bufferExtraHeaders(id network.RequestID, headers storage.HeaderSet) {
	now := time.Now()

	c.extraMu.Lock()
	defer c.extraMu.Unlock()

	if now.Sub(c.swept) > time.Minute {
		threshold := now.Add(-extraHeadersTTL)
		for key, buf := range c.extra {
			if buf.created.Before(threshold) {
				delete(c.extra, key)
			}
		}
		c.swept = now
	}
	c.extra[id] = bufferedHeaders{headers: headers, created: now}
}

func (c *Client) takeExtraHeaders(id network.RequestID) storage.HeaderSet {
	c.extraMu.Lock()
	defer c.extraMu.Unlock()

	buf, ok := c.extra[id]
	if !ok {
		return nil
	}
	delete(c.extra, id)
	return buf.headers
}

func (c *Client) Close() error {
	c.tabsMu.Lock()
	for id, cancel := range c.tabs {
		cancel()
		delete(c.tabs, id)
	}
	c.tabsMu.Unlock()

	if c.allocCancel != nil {
		c.allocCancel()
	}
	log.Printf("Browser client closed")
	return nil
}

func (c *Client) TabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

func (c *Client) matchesTabURL(tabURL string) bool {
	filter := c.cfg.Browser.TabURLFilter
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(tabURL), strings.ToLower(filter))
}

// formDataFromRequest parses a urlencoded post body into a field map. Any
// other body shape is handled as raw chunks instead.
func formDataFromRequest(req *network.Request) map[string][]string {
	if !isFormURLEncoded(req) {
		return nil
	}
	body, ok := decodePostData(req)
	if !ok {
		return nil
	}
	fields, err := url.ParseQuery(string(body))
	if err != nil || len(fields) == 0 {
		return nil
	}
	return fields
}

func rawChunksFromRequest(req *network.Request) [][]byte {
	if isFormURLEncoded(req) {
		return nil
	}
	body, ok := decodePostData(req)
	if !ok {
		return nil
	}
	return [][]byte{body}
}

func isFormURLEncoded(req *network.Request) bool {
	for name, value := range req.Headers {
		if strings.EqualFold(name, "Content-Type") {
			s, ok := value.(string)
			return ok && strings.HasPrefix(strings.ToLower(s), "application/x-www-form-urlencoded")
		}
	}
	return false
}

func decodePostData(req *network.Request) ([]byte, bool) {
	if !req.HasPostData || len(req.PostDataEntries) == 0 {
		return nil, false
	}
	var body []byte
	for _, entry := range req.PostDataEntries {
		if entry == nil || entry.Bytes == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			// Some entries arrive as plain text.
			decoded = []byte(entry.Bytes)
		}
		body = append(body, decoded...)
	}
	return body, len(body) > 0
}

func headerSetFromNetwork(headers network.Headers) storage.HeaderSet {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	set := make(storage.HeaderSet, 0, len(headers))
	for _, name := range names {
		value, ok := headers[name].(string)
		if !ok {
			value = fmt.Sprint(headers[name])
		}
		set = append(set, storage.Header{Name: name, Value: value})
	}
	return set
}

func truncateURL(u string) string {
	if len(u) > 120 {
		return u[:120] + "..."
	}
	return u
}
