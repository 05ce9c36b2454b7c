package fhirdoc

import (
	"encoding/json"
	"fmt"
)

// Bundle is the client-side view of a FHIR Bundle response. Entry resources
// stay raw so the verbatim vendor payload can be stored alongside the
// parsed form.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// ParseBundle decodes a Bundle response body.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected Bundle, got %q", b.ResourceType)
	}
	return &b, nil
}

// NextLink returns the URL of the link with relation "next", or "" when the
// bundle is the last page.
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Documents parses every entry resource into a Document, keeping bundle
// order.
func (b *Bundle) Documents() ([]Document, error) {
	docs := make([]Document, 0, len(b.Entry))
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		doc, err := Parse(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
