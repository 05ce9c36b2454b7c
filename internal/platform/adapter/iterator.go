package adapter

import (
	"context"
	"encoding/json"

	"github.com/medbridge/ehrsync/pkg/fhirdoc"
)

// ResourceIterator walks a paginated FHIR search lazily, following Bundle
// next links as the caller advances. Callers may stop at any point; a page
// failure mid-stream surfaces through Err with Count telling how many
// resources were already consumed.
type ResourceIterator struct {
	fetch   func(ctx context.Context, pageURL string) ([]byte, error)
	nextURL string
	entries []json.RawMessage
	idx     int
	current fhirdoc.Document
	raw     json.RawMessage
	count   int
	err     error
	done    bool
}

func newResourceIterator(firstURL string, fetch func(ctx context.Context, pageURL string) ([]byte, error)) *ResourceIterator {
	return &ResourceIterator{fetch: fetch, nextURL: firstURL}
}

// failedIterator yields nothing but the given error.
func failedIterator(err error) *ResourceIterator {
	return &ResourceIterator{err: err, done: true}
}

// Next advances to the following resource, fetching pages as needed.
// It returns false at the end of the stream or on error; check Err.
func (it *ResourceIterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	for it.idx >= len(it.entries) {
		if it.nextURL == "" {
			it.done = true
			return false
		}
		if !it.fetchPage(ctx) {
			return false
		}
	}

	it.raw = it.entries[it.idx]
	it.idx++

	doc, err := fhirdoc.Parse(it.raw)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	it.current = doc
	it.count++
	return true
}

func (it *ResourceIterator) fetchPage(ctx context.Context) bool {
	body, err := it.fetch(ctx, it.nextURL)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	bundle, err := fhirdoc.ParseBundle(body)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}

	it.entries = it.entries[:0]
	for _, entry := range bundle.Entry {
		if len(entry.Resource) > 0 {
			it.entries = append(it.entries, entry.Resource)
		}
	}
	it.idx = 0
	it.nextURL = bundle.NextLink()
	return true
}

// Resource is the parsed form of the current entry.
func (it *ResourceIterator) Resource() fhirdoc.Document { return it.current }

// Raw is the verbatim vendor payload of the current entry, retained for
// storage and later re-transformation.
func (it *ResourceIterator) Raw() json.RawMessage { return it.raw }

// Count is the number of resources consumed so far.
func (it *ResourceIterator) Count() int { return it.count }

// Err reports the failure that ended the stream, if any.
func (it *ResourceIterator) Err() error { return it.err }
