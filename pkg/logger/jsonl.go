package logger

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"rcdrive/pkg/engine"
)

// JSONLWriter appends one JSON object per hub event.
type JSONLWriter struct {
	enc *json.Encoder
}

type jsonRecord struct {
	TS      string   `json:"ts"`
	Kind    string   `json:"kind"`
	Source  string   `json:"source,omitempty"`
	Session string   `json:"session,omitempty"`
	State   string   `json:"state,omitempty"`
	Linear  *float64 `json:"linear,omitempty"`
	Angular *float64 `json:"angular,omitempty"`
	LinkOK  *bool    `json:"link_ok,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc}
}

func (j *JSONLWriter) Consume(ctx context.Context, in <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			_ = j.Write(ev)
		}
	}
}

func (j *JSONLWriter) Write(ev engine.Event) error {
	return j.enc.Encode(record(ev))
}

func record(ev engine.Event) jsonRecord {
	rec := jsonRecord{
		TS:      ev.Time.UTC().Format(time.RFC3339Nano),
		Kind:    string(ev.Kind),
		Source:  ev.Source,
		Session: ev.Session,
		Detail:  ev.Detail,
	}
	switch ev.Kind {
	case engine.EventCommand:
		linear, angular := ev.Command.Linear, ev.Command.Angular
		rec.Linear = &linear
		rec.Angular = &angular
	case engine.EventStateReport, engine.EventToggle:
		rec.State = ev.State.String()
	case engine.EventLinkDegraded:
		ok := ev.LinkOK
		rec.LinkOK = &ok
	}
	return rec
}
