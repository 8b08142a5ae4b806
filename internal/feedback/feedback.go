// Package feedback records completed pipeline runs and derives topic,
// document and route counters from them.
//
// The event log is the source of truth. Counters are a cache that can always
// be rebuilt by replaying the log (see Replay).
package feedback

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
)

// AnswerPreviewChars caps Event.AnswerPreview.
const AnswerPreviewChars = 240

// maxTopicsPerQuery caps the topics extracted from one query.
const maxTopicsPerQuery = 6

// Event is an immutable record of one completed pipeline run.
type Event struct {
	Timestamp     float64        `json:"ts"`
	UserID        string         `json:"user_id"`
	RouteSymbol   string         `json:"route_symbol"`
	Query         string         `json:"query"`
	AnswerPreview string         `json:"answer_preview"`
	UsedDocIDs    []string       `json:"used_doc_ids"`
	UsedDocTitles []string       `json:"used_doc_titles"`
	ClarityScore  float64        `json:"clarity_score"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// NewEvent builds an event stamped at ts with the answer preview capped.
func NewEvent(ts time.Time, userID, route, query, answer string, docIDs, docTitles []string, clarity float64, extra map[string]any) Event {
	return Event{
		Timestamp:     UnixSeconds(ts),
		UserID:        userID,
		RouteSymbol:   route,
		Query:         query,
		AnswerPreview: truncateRunes(answer, AnswerPreviewChars),
		UsedDocIDs:    append([]string(nil), docIDs...),
		UsedDocTitles: append([]string(nil), docTitles...),
		ClarityScore:  clarity,
		Extra:         extra,
	}
}

// UsedDoc pairs a used document id with its title.
type UsedDoc struct {
	ID    string
	Title string
}

// UsedDocs zips UsedDocIDs with UsedDocTitles, stopping at the shorter list.
func (ev Event) UsedDocs() []UsedDoc {
	n := min(len(ev.UsedDocIDs), len(ev.UsedDocTitles))
	out := make([]UsedDoc, n)
	for i := range n {
		out[i] = UsedDoc{ID: ev.UsedDocIDs[i], Title: ev.UsedDocTitles[i]}
	}
	return out
}

// UnixSeconds converts t to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// TopicStat is one row of TopTopics.
type TopicStat struct {
	Topic    string  `json:"topic"`
	Count    int     `json:"count"`
	LastSeen float64 `json:"last_seen"`
}

// DocStat is the usage of one document id.
type DocStat struct {
	Count    int     `json:"count"`
	LastSeen float64 `json:"last_seen"`
	Title    string  `json:"title"`
}

// Store records feedback events and serves the derived counters.
// Record never reports failure to the caller; feedback is a best-effort side
// channel. Reads observe either the state before or after a Record, never a
// partial update.
type Store interface {
	// Record appends an event and updates the counters. A cancelled context
	// makes it a no-op.
	Record(ctx context.Context, ev Event)

	// TopTopics returns up to n topics by count, then recency.
	TopTopics(n int) []TopicStat

	// DocStats returns the usage of a document, zero-valued if unseen.
	DocStats(id string) DocStat

	// RouteStats returns per-route event counts.
	RouteStats() map[string]int
}

var topicRx = regexp.MustCompile(`[a-z0-9]{3,}`)

var stopwords = map[string]struct{}{
	"what": {}, "who": {}, "how": {}, "the": {}, "and": {}, "for": {},
	"you": {}, "are": {}, "tobyworld": {}, "about": {}, "with": {}, "from": {},
}

// Topics extracts up to six lowercase alphanumeric keywords of length >= 3
// from a query, dropping stopwords.
func Topics(query string) []string {
	tokens := topicRx.FindAllString(strings.ToLower(query), -1)
	out := make([]string, 0, maxTopicsPerQuery)
	for _, t := range tokens {
		if _, stop := stopwords[t]; stop {
			continue
		}
		out = append(out, t)
		if len(out) == maxTopicsPerQuery {
			break
		}
	}
	return out
}

// TopicSlot is the counter entry for one topic.
type TopicSlot struct {
	Count    int     `json:"count"`
	LastSeen float64 `json:"last_seen"`
}

// DocSlot is the counter entry for one document.
type DocSlot struct {
	Count    int     `json:"count"`
	LastSeen float64 `json:"last_seen"`
	Title    string  `json:"title"`
}

// Counters are the derived tables. Count and LastSeen never decrease.
type Counters struct {
	Topics map[string]TopicSlot `json:"topics"`
	Docs   map[string]DocSlot   `json:"docs"`
	Routes map[string]int       `json:"routes"`
}

// NewCounters returns empty counters.
func NewCounters() *Counters {
	return &Counters{
		Topics: make(map[string]TopicSlot),
		Docs:   make(map[string]DocSlot),
		Routes: make(map[string]int),
	}
}

func (c *Counters) ensure() {
	if c.Topics == nil {
		c.Topics = make(map[string]TopicSlot)
	}
	if c.Docs == nil {
		c.Docs = make(map[string]DocSlot)
	}
	if c.Routes == nil {
		c.Routes = make(map[string]int)
	}
}

// Apply folds one event into the counters.
func (c *Counters) Apply(ev Event) {
	c.ensure()

	c.Routes[ev.RouteSymbol]++

	for _, d := range ev.UsedDocs() {
		slot := c.Docs[d.ID]
		slot.Count++
		slot.LastSeen = max(slot.LastSeen, ev.Timestamp)
		if slot.Title == "" {
			slot.Title = d.Title
		}
		c.Docs[d.ID] = slot
	}

	for _, t := range Topics(ev.Query) {
		slot := c.Topics[t]
		slot.Count++
		slot.LastSeen = max(slot.LastSeen, ev.Timestamp)
		c.Topics[t] = slot
	}
}

// Clone returns a deep copy.
func (c *Counters) Clone() *Counters {
	out := NewCounters()
	for k, v := range c.Topics {
		out.Topics[k] = v
	}
	for k, v := range c.Docs {
		out.Docs[k] = v
	}
	for k, v := range c.Routes {
		out.Routes[k] = v
	}
	return out
}

// TopTopics ranks topics by count desc, last_seen desc, topic asc.
func (c *Counters) TopTopics(n int) []TopicStat {
	if n <= 0 {
		return []TopicStat{}
	}
	items := make([]TopicStat, 0, len(c.Topics))
	for k, v := range c.Topics {
		items = append(items, TopicStat{Topic: k, Count: v.Count, LastSeen: v.LastSeen})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		if items[i].LastSeen != items[j].LastSeen {
			return items[i].LastSeen > items[j].LastSeen
		}
		return items[i].Topic < items[j].Topic
	})
	if len(items) > n {
		items = items[:n]
	}
	return items
}

// DocStats returns the usage of one document.
func (c *Counters) DocStats(id string) DocStat {
	slot, ok := c.Docs[id]
	if !ok {
		return DocStat{}
	}
	return DocStat{Count: slot.Count, LastSeen: slot.LastSeen, Title: slot.Title}
}

// RouteStats returns a copy of the route table.
func (c *Counters) RouteStats() map[string]int {
	out := make(map[string]int, len(c.Routes))
	for k, v := range c.Routes {
		out[k] = v
	}
	return out
}
