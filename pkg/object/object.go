// Package object holds the in-memory record of a cached resource: the
// metadata document produced by a fetch or read back from disk, and the
// handful of derived fields the rest of the crawler needs.
package object

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// StatusLineKey is the reserved headers key under which the raw HTTP
// status line is stored, as a single string rather than a one-element
// array.
const StatusLineKey = ":"

// Metadata is the JSON document persisted alongside a cached payload.
type Metadata struct {
	Status   int                 `json:"status"`
	Updated  int64               `json:"updated"`
	Size     uint64              `json:"size"`
	Redirect string              `json:"redirect,omitempty"`
	Type     string              `json:"type,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
}

// Clone returns a deep copy of m.
func (m Metadata) Clone() Metadata {
	c := m
	if m.Headers != nil {
		c.Headers = make(map[string][]string, len(m.Headers))
		for k, v := range m.Headers {
			vv := make([]string, len(v))
			copy(vv, v)
			c.Headers[k] = vv
		}
	}

	return c
}

// onDiskMetadata mirrors Metadata's field layout but leaves Headers as raw
// JSON, so that MarshalJSON/UnmarshalJSON can give the reserved
// StatusLineKey entry its special bare-string encoding while every other
// header stays an array of values, per spec §3.
type onDiskMetadata struct {
	Status   int             `json:"status"`
	Updated  int64           `json:"updated"`
	Size     uint64          `json:"size"`
	Redirect string          `json:"redirect,omitempty"`
	Type     string          `json:"type,omitempty"`
	Headers  json.RawMessage `json:"headers,omitempty"`
}

// MarshalJSON implements json.Marshaler. The status-line entry (key
// StatusLineKey) is emitted as a bare JSON string; every other header is an
// array of strings.
func (m Metadata) MarshalJSON() ([]byte, error) {
	raw := onDiskMetadata{
		Status:   m.Status,
		Updated:  m.Updated,
		Size:     m.Size,
		Redirect: m.Redirect,
		Type:     m.Type,
	}

	if len(m.Headers) > 0 {
		headers := make(map[string]any, len(m.Headers))

		for k, v := range m.Headers {
			if k == StatusLineKey {
				if len(v) > 0 {
					headers[k] = v[0]
				} else {
					headers[k] = ""
				}

				continue
			}

			headers[k] = v
		}

		b, err := json.Marshal(headers)
		if err != nil {
			return nil, fmt.Errorf("object: error marshalling headers: %w", err)
		}

		raw.Headers = b
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("object: error marshalling metadata: %w", err)
	}

	return b, nil
}

// UnmarshalJSON implements json.Unmarshaler, the inverse of MarshalJSON.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw onDiskMetadata

	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("object: error parsing metadata: %w", err)
	}

	m.Status = raw.Status
	m.Updated = raw.Updated
	m.Size = raw.Size
	m.Redirect = raw.Redirect
	m.Type = raw.Type
	m.Headers = nil

	if len(raw.Headers) == 0 {
		return nil
	}

	var generic map[string]json.RawMessage

	if err := json.Unmarshal(raw.Headers, &generic); err != nil {
		return fmt.Errorf("object: error parsing headers: %w", err)
	}

	headers := make(map[string][]string, len(generic))

	for k, v := range generic {
		if k == StatusLineKey {
			var s string

			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("object: error parsing status line: %w", err)
			}

			headers[k] = []string{s}

			continue
		}

		var arr []string

		if err := json.Unmarshal(v, &arr); err != nil {
			return fmt.Errorf("object: error parsing header %q: %w", k, err)
		}

		headers[k] = arr
	}

	m.Headers = headers

	return nil
}

// Marshal serialises m as the on-disk metadata document.
func (m Metadata) Marshal() ([]byte, error) { return json.Marshal(m) }

// UnmarshalMetadata parses the on-disk metadata document.
func UnmarshalMetadata(b []byte) (Metadata, error) {
	var m Metadata

	if err := json.Unmarshal(b, &m); err != nil {
		return Metadata{}, err
	}

	return m, nil
}

// Object is the in-memory record of a cached resource, populated either by
// locating an existing cache entry or by a fetch that committed a new one.
type Object struct {
	Key     string
	URI     *url.URL
	URIStr  string
	Info    *Metadata
	Updated int64
	Status  int
	Fresh   bool
	Payload string
	Size    uint64

	// Rejected is set by the fetcher when the checkpoint policy downgraded
	// this object's status (spec §4.5); the processor must not be invoked.
	Rejected bool
}

// New constructs an Object for uri with no metadata attached yet.
func New(key string, uri *url.URL, payloadPath string) *Object {
	return &Object{
		Key:     key,
		URI:     uri,
		URIStr:  uri.String(),
		Payload: payloadPath,
	}
}

// Replace deep-clones meta into the object and refreshes the derived
// fields. It is called after a successful cache commit so callers observe
// the post-fetch state without re-reading from disk.
func (o *Object) Replace(meta Metadata) {
	cloned := meta.Clone()
	o.Info = &cloned
	o.Status = meta.Status
	o.Updated = meta.Updated
	o.Size = meta.Size
}

// Headers returns the headers sub-dictionary. If clone is true, a deep copy
// is returned; otherwise the caller receives the Object's own map and must
// not mutate it.
func (o *Object) Headers(clone bool) map[string][]string {
	if o.Info == nil {
		return nil
	}

	if !clone {
		return o.Info.Headers
	}

	out := make(map[string][]string, len(o.Info.Headers))
	for k, v := range o.Info.Headers {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}

	return out
}

// Redirect returns the Location header recorded for the object, if any.
func (o *Object) Redirect() string {
	if o.Info == nil {
		return ""
	}

	return o.Info.Redirect
}

// Type returns the Content-Type recorded for the object, if any.
func (o *Object) Type() string {
	if o.Info == nil {
		return ""
	}

	return o.Info.Type
}

// PayloadPath returns the filesystem path of the cached payload.
func (o *Object) PayloadPath() string { return o.Payload }

// UpdatedTime returns Updated as a time.Time.
func (o *Object) UpdatedTime() time.Time { return time.Unix(o.Updated, 0).UTC() }
