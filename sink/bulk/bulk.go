// Package bulk maps the per-item outcome of a bulk request back onto the
// event that produced it: items are reported on the out/err ports and the
// event itself is acked or failed exactly once.
package bulk

import (
	"maps"

	"tidewater/event"
	"tidewater/sink"
)

const unknownReason = "unknown error"

// Item is one member of an event. A non-batched event has a single item.
type Item struct {
	Index int
	Value any
	Meta  map[string]any
}

// Items expands ev into its members in order.
func Items(ev event.Event) []Item {
	pairs := ev.ValueMeta()
	out := make([]Item, len(pairs))
	for i, p := range pairs {
		out[i] = Item{Index: i, Value: p.Value, Meta: p.Meta}
	}
	return out
}

// Settings returns the connector's settings for an item: the batch-level
// meta[connector] map overlaid with the item's own meta[connector].
func Settings(ev event.Event, it Item, connector string) map[string]any {
	out := map[string]any{}
	if ev.IsBatch {
		if m, ok := ev.Data.Meta[connector].(map[string]any); ok {
			maps.Copy(out, m)
		}
	}
	if m, ok := it.Meta[connector].(map[string]any); ok {
		maps.Copy(out, m)
	}
	return out
}

// Result is the downstream outcome for one item.
type Result struct {
	OK     bool
	Value  any            // downstream response body for the item
	Meta   map[string]any // connector-specific result meta, merged under meta.<connector>
	Reason string         // failure reason; defaults to "unknown error"
}

// Reconcile emits one out or err event per item and returns the reply for
// ev. deliveryErr reports that the request never reached downstream; all
// items then go to err and the event is failed. Otherwise the event is acked
// once, regardless of how many items failed. Missing results count as
// failures.
func Reconcile(sc *sink.Context, connector string, ev event.Event, results []Result, deliveryErr error) event.Reply {
	items := Items(ev)

	if deliveryErr != nil {
		for _, it := range items {
			meta := baseMeta(it.Meta, connector)
			meta[connector] = map[string]any{"success": false}
			meta["error"] = deliveryErr.Error()
			sc.EmitTo(sink.PortErr, event.Event{ID: ev.ID, Data: event.Data{Value: it.Value, Meta: meta}, IngestNS: ev.IngestNS})
		}
		return event.Reply{Ack: event.Fail}
	}

	for i, it := range items {
		res := Result{Reason: "no result for item"}
		if i < len(results) {
			res = results[i]
		}

		cm := Settings(ev, it, connector)
		maps.Copy(cm, res.Meta)
		cm["success"] = res.OK
		meta := baseMeta(it.Meta, connector)
		meta[connector] = cm

		if res.OK {
			sc.EmitTo(sink.PortOut, event.Event{ID: ev.ID, Data: event.Data{Value: res.Value, Meta: meta}, IngestNS: ev.IngestNS})
			continue
		}
		reason := res.Reason
		if reason == "" {
			reason = unknownReason
		}
		sc.EmitTo(sink.PortErr, event.Event{
			ID:       ev.ID,
			Data:     event.Data{Value: map[string]any{"error": map[string]any{"reason": reason}}, Meta: meta},
			IngestNS: ev.IngestNS,
		})
	}
	return event.Reply{Ack: event.Ack}
}

// baseMeta copies item meta without the connector's own settings key.
func baseMeta(m map[string]any, connector string) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		if k != connector {
			out[k] = v
		}
	}
	return out
}
