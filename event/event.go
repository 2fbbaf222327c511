// Package event holds the values that travel through a pipeline: events on
// the forward path, replies and contraflow signals on the way back.
package event

import "time"

// Data is the payload of an event: a value tree plus its metadata.
type Data struct {
	Value any
	Meta  map[string]any
}

type Event struct {
	ID            ID
	Data          Data
	Transactional bool
	IsBatch       bool
	IngestNS      int64
}

// Pair is one value/meta combination of an event.
type Pair struct {
	Value any
	Meta  map[string]any
}

// ValueMeta lists the value/meta pairs of the event. For a batch every
// member contributes its own pair; the batch-level meta is not included.
func (e Event) ValueMeta() []Pair {
	if !e.IsBatch {
		return []Pair{{Value: e.Data.Value, Meta: e.Data.Meta}}
	}
	items, _ := e.Data.Value.([]any)
	out := make([]Pair, 0, len(items))
	for _, it := range items {
		v, m := unwrapMember(it)
		out = append(out, Pair{Value: v, Meta: m})
	}
	return out
}

// batch member layout: {"data": {"value": v, "meta": m}}
func unwrapMember(it any) (any, map[string]any) {
	obj, ok := it.(map[string]any)
	if !ok {
		return it, nil
	}
	data, ok := obj["data"].(map[string]any)
	if !ok {
		return it, nil
	}
	meta, _ := data["meta"].(map[string]any)
	return data["value"], meta
}

func wrapMember(d Data) map[string]any {
	meta := d.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{"data": map[string]any{"value": d.Value, "meta": meta}}
}

// NewBatch folds events into a single batch event. The id is the merge of all
// member ids and the batch is transactional if any member is.
func NewBatch(meta map[string]any, evs ...Event) Event {
	b := Event{
		IsBatch: true,
		Data:    Data{Meta: meta},
	}
	items := make([]any, 0, len(evs))
	for _, ev := range evs {
		b.ID = b.ID.Merge(ev.ID)
		b.Transactional = b.Transactional || ev.Transactional
		if b.IngestNS == 0 || (ev.IngestNS != 0 && ev.IngestNS < b.IngestNS) {
			b.IngestNS = ev.IngestNS
		}
		if ev.IsBatch {
			nested, _ := ev.Data.Value.([]any)
			items = append(items, nested...)
			continue
		}
		items = append(items, wrapMember(ev.Data))
	}
	b.Data.Value = items
	if b.IngestNS == 0 {
		b.IngestNS = time.Now().UnixNano()
	}
	return b
}

// Lookup walks nested maps along path.
func Lookup(v any, path ...string) (any, bool) {
	cur := v
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}
