package logger

import (
	"encoding/hex"
	"time"

	"taplog/pkg/engine"
)

// Record is the archived form of one hub event.
type Record struct {
	TS        string     `json:"ts" cbor:"ts"`
	Device    string     `json:"device,omitempty" cbor:"device,omitempty"`
	Event     string     `json:"event" cbor:"event"`
	Profile   string     `json:"profile,omitempty" cbor:"profile,omitempty"`
	BundleID  string     `json:"bundle_id,omitempty" cbor:"bundle_id,omitempty"`
	LogTime   string     `json:"log_time,omitempty" cbor:"log_time,omitempty"`
	Variables []Variable `json:"variables,omitempty" cbor:"variables,omitempty"`
}

type Variable struct {
	ID     string `json:"id" cbor:"id"`
	Name   string `json:"name" cbor:"name"`
	RawHex string `json:"raw_hex" cbor:"raw_hex"`
	Value  any    `json:"value" cbor:"value"`
}

// NewRecord flattens an event. Bundle fields are only filled for bundle
// events.
func NewRecord(ev engine.Event) Record {
	rec := Record{
		TS:      ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Device:  ev.Device,
		Event:   string(ev.Kind),
		Profile: ev.Profile,
	}
	if ev.Kind != engine.EventBundle {
		return rec
	}
	rec.BundleID = FormatID(ev.Bundle.ID)
	rec.LogTime = ev.Bundle.LogTime.UTC().Format(time.RFC3339Nano)
	rec.Variables = make([]Variable, 0, len(ev.Bundle.Variables))
	for _, v := range ev.Bundle.Variables {
		rec.Variables = append(rec.Variables, Variable{
			ID:     FormatID(v.ID),
			Name:   v.Name,
			RawHex: hex.EncodeToString(v.Raw),
			Value:  v.Value,
		})
	}
	return rec
}

func FormatID(id uint8) string {
	return "0x" + hex.EncodeToString([]byte{id})
}
