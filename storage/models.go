package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Header is a single request or response header as observed on the wire.
// Order and case are preserved.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderSet is an ordered header list. It unmarshals from either the native
// [{"name":..,"value":..}] form or a plain name->value object, since edited
// records arriving from the UI may use either shape.
type HeaderSet []Header

func (h *HeaderSet) UnmarshalJSON(data []byte) error {
	var list []Header
	if err := json.Unmarshal(data, &list); err == nil {
		*h = list
		return nil
	}

	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("headers must be a name/value list or object: %w", err)
	}

	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)

	list = make([]Header, 0, len(obj))
	for _, name := range names {
		list = append(list, Header{Name: name, Value: obj[name]})
	}
	*h = list
	return nil
}

// Get returns the first value for name, matched case-insensitively.
func (h HeaderSet) Get(name string) (string, bool) {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value, true
		}
	}
	return "", false
}

// BodyKind tags how CapturedRequest.Body is to be interpreted. The kind is
// decided once, at capture or edit time, never re-guessed from the payload.
type BodyKind string

const (
	BodyNone BodyKind = ""     // no body observed
	BodyRaw  BodyKind = "raw"  // Body is verbatim text
	BodyForm BodyKind = "form" // Body is a JSON map of field name -> values
	BodyJSON BodyKind = "json" // Body is JSON text
)

// CapturedRequest is one intercepted outbound HTTP request. ID and Timestamp
// are assigned at merge time and never change; everything else may be
// rewritten by an explicit user edit.
type CapturedRequest struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Headers   HeaderSet `json:"headers"`
	BodyKind  BodyKind  `json:"bodyKind,omitempty"`
	Body      string    `json:"body,omitempty"`
	Type      string    `json:"type,omitempty"`
	Timestamp int64     `json:"timestamp"` // milliseconds since epoch
}

// FormFields decodes the body as a form-field map. Only valid when
// BodyKind is BodyForm.
func (r *CapturedRequest) FormFields() (map[string][]string, error) {
	if r.BodyKind != BodyForm {
		return nil, fmt.Errorf("body is not form data (kind %q)", r.BodyKind)
	}
	fields := make(map[string][]string)
	if err := json.Unmarshal([]byte(r.Body), &fields); err != nil {
		return nil, fmt.Errorf("failed to decode form fields: %w", err)
	}
	return fields, nil
}

// RequestUpdate carries the fields a user edit may change. Nil fields are
// left untouched; ID and Timestamp are not editable.
type RequestUpdate struct {
	URL      *string    `json:"url,omitempty"`
	Method   *string    `json:"method,omitempty"`
	Headers  *HeaderSet `json:"headers,omitempty"`
	BodyKind *BodyKind  `json:"bodyKind,omitempty"`
	Body     *string    `json:"body,omitempty"`
}

// CollectionItem is one entry of a named key-value collection
// (useful links, credentials, code snippets, ping targets).
type CollectionItem struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

// Collection names shared with the UI surfaces.
const (
	CollectionUsefulLinks  = "usefulLinks"
	CollectionCredentials  = "credentials"
	CollectionCodeSnippets = "codeSnippets"
	CollectionPingRequests = "pingRequests"
)
