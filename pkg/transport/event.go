package transport

import (
	"encoding/json"
	"log/slog"
)

// Kind discriminates the payload carried by an [Event].
type Kind int

const (
	KindPartial Kind = iota + 1
	KindFinal
	KindStatus
	KindFieldDelta
	KindInsight
	KindAssistantReset
	KindAssistantToken
	KindFormUpdate
	KindError
)

var kindNames = map[Kind]string{
	KindPartial:        "partial_transcript",
	KindFinal:          "final_transcript",
	KindStatus:         "status",
	KindFieldDelta:     "field_delta",
	KindInsight:        "insight",
	KindAssistantReset: "assistant_reset",
	KindAssistantToken: "assistant_token",
	KindFormUpdate:     "form_update",
	KindError:          "error",
}

// String returns the name of the event kind.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Change is one field delta: a dotted record path and its new value.
type Change struct {
	Path     string `json:"path"`
	Value    any    `json:"value"`
	Reason   string `json:"reason,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

// Event is a normalized inbound message. Only the fields relevant to Kind
// are set.
type Event struct {
	Kind Kind

	// Text is the transcript for KindPartial/KindFinal and the body of a
	// KindInsight.
	Text string

	// Status is set for KindStatus.
	Status State

	// Changes is set for KindFieldDelta.
	Changes []Change

	// Label is set for KindInsight.
	Label string

	// Delta is the token text of a KindAssistantToken.
	Delta string

	// Form, Missing and Suggestions are set for KindFormUpdate.
	Form        map[string]any
	Missing     []string
	Suggestions []string

	// Message is set for KindError.
	Message string
}

// Decode normalizes one inbound payload into zero or more events.
//
// Payloads that are not JSON become a single final transcript carrying the
// raw text. JSON payloads are routed in this order:
//
//  1. a bare JSON string is a final transcript;
//  2. an object with a string "type" is routed by that discriminant; unknown
//     types yield no events;
//  3. an object with a string "text" is a transcript, final when "is_final"
//     is true;
//  4. shorthand keys "partial", "final" and "status", each producing its own
//     event in that order.
//
// Anything else yields no events.
func Decode(data []byte) []Event {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		slog.Debug("transport: non-JSON payload treated as final transcript", "bytes", len(data))
		return []Event{{Kind: KindFinal, Text: string(data)}}
	}

	switch msg := v.(type) {
	case string:
		return []Event{{Kind: KindFinal, Text: msg}}
	case map[string]any:
		return decodeObject(msg)
	default:
		return nil
	}
}

func decodeObject(m map[string]any) []Event {
	if typ, ok := m["type"].(string); ok {
		if ev, ok := decodeTyped(typ, m); ok {
			return []Event{ev}
		}
		// Unknown type: only the shorthand keys can still apply.
		return decodeShorthand(m)
	}

	if text, ok := m["text"].(string); ok {
		if final, _ := m["is_final"].(bool); final {
			return []Event{{Kind: KindFinal, Text: text}}
		}
		return []Event{{Kind: KindPartial, Text: text}}
	}
	return decodeShorthand(m)
}

func decodeShorthand(m map[string]any) []Event {
	var events []Event
	if text, ok := m["partial"].(string); ok {
		events = append(events, Event{Kind: KindPartial, Text: text})
	}
	if text, ok := m["final"].(string); ok {
		events = append(events, Event{Kind: KindFinal, Text: text})
	}
	if ev, ok := statusEvent(m); ok && m["status"] != nil {
		events = append(events, ev)
	}
	return events
}

func decodeTyped(typ string, m map[string]any) (Event, bool) {
	switch typ {
	case "partial":
		return Event{Kind: KindPartial, Text: stringField(m, "text")}, true
	case "final":
		return Event{Kind: KindFinal, Text: stringField(m, "text")}, true
	case "status":
		return statusEvent(m)
	case "assistant_reset":
		return Event{Kind: KindAssistantReset}, true
	case "assistant_token":
		return Event{Kind: KindAssistantToken, Delta: stringField(m, "delta")}, true
	case "form_update":
		form, _ := m["form"].(map[string]any)
		return Event{
			Kind:        KindFormUpdate,
			Form:        form,
			Missing:     stringList(m["missing"]),
			Suggestions: stringList(m["suggestions"]),
		}, true
	case "form_delta":
		return Event{Kind: KindFieldDelta, Changes: changeList(m["changes"])}, true
	case "insight":
		return Event{Kind: KindInsight, Label: stringField(m, "label"), Text: stringField(m, "text")}, true
	case "error":
		return Event{Kind: KindError, Message: stringField(m, "message")}, true
	default:
		return Event{}, false
	}
}

// statusEvent builds a KindStatus event; a missing status means "open".
func statusEvent(m map[string]any) (Event, bool) {
	name, ok := m["status"].(string)
	if !ok {
		name = StateOpen.String()
	}
	st, ok := ParseState(name)
	if !ok {
		return Event{}, false
	}
	return Event{Kind: KindStatus, Status: st}, true
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func changeList(v any) []Change {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Change, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		path, ok := m["path"].(string)
		if !ok || path == "" {
			continue
		}
		out = append(out, Change{
			Path:     path,
			Value:    m["value"],
			Reason:   stringField(m, "reason"),
			Evidence: stringField(m, "evidence"),
		})
	}
	return out
}
