package session

import (
	"sync"
	"time"
)

// OutputRecord is one captured line (or chunk) of debuggee output.
type OutputRecord struct {
	Seq       int64     `json:"seq"`
	Category  string    `json:"category"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Line      int       `json:"line,omitempty"`
}

// OutputPage is one page of buffered output.
type OutputPage struct {
	Lines     []OutputRecord `json:"lines"`
	Offset    int            `json:"offset"`
	Limit     int            `json:"limit"`
	Total     int            `json:"total"`
	HasMore   bool           `json:"has_more"`
	Truncated bool           `json:"truncated"`
}

// OutputBuffer is a byte-bounded, time-ordered store of program output.
// Appends never block; when the running byte total would exceed the cap,
// records are evicted oldest-first. Safe for one writer (the event reader)
// and many concurrent pollers.
type OutputBuffer struct {
	mu sync.Mutex

	maxBytes int
	records  []OutputRecord
	bytes    int

	seq       int64
	dropped   int64
	truncated bool
}

// NewOutputBuffer creates a buffer capped at maxBytes of record text.
func NewOutputBuffer(maxBytes int) *OutputBuffer {
	return &OutputBuffer{maxBytes: maxBytes}
}

// Append stores one record, stamping its sequence number and timestamp,
// and evicts from the front until the byte cap holds. A single record
// larger than the cap is still stored; the buffer then holds exactly that
// record.
func (b *OutputBuffer) Append(category, text, source string, line int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.records = append(b.records, OutputRecord{
		Seq:       b.seq,
		Category:  category,
		Text:      text,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Line:      line,
	})
	b.bytes += len(text)

	// truncated tracks actual eviction only; a sole over-cap record stays
	// without setting it.
	for b.bytes > b.maxBytes && len(b.records) > 1 {
		b.bytes -= len(b.records[0].Text)
		b.records[0] = OutputRecord{}
		b.records = b.records[1:]
		b.dropped++
		b.truncated = true
	}
}

// Page returns up to limit records starting at offset within the live
// window, filtered by category when non-empty. Total counts the filtered
// live window, not evicted history.
func (b *OutputBuffer) Page(offset, limit int, category string) OutputPage {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := b.records
	if category != "" {
		filtered = make([]OutputRecord, 0, len(b.records))
		for _, rec := range b.records {
			if rec.Category == category {
				filtered = append(filtered, rec)
			}
		}
	}

	total := len(filtered)
	page := OutputPage{
		Offset:    offset,
		Limit:     limit,
		Total:     total,
		Truncated: b.truncated,
		Lines:     []OutputRecord{},
	}
	if offset >= total {
		return page
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page.Lines = make([]OutputRecord, end-offset)
	copy(page.Lines, filtered[offset:end])
	page.HasMore = end < total
	return page
}

// Dropped reports how many records have been evicted since the last Clear.
func (b *OutputBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Clear resets the buffer: records, byte total, sequence counter, dropped
// count, and the truncated flag all return to zero.
func (b *OutputBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	b.bytes = 0
	b.seq = 0
	b.dropped = 0
	b.truncated = false
}
