// Package wire converts domain objects to and from their JSON wire form.
// Unknown fields on inbound payloads are preserved in an ExtraData map so
// server-added fields survive a decode/encode round trip.
package wire

import (
	"encoding/json"
	"time"

	"github.com/chatwire/chatwire/apierr"
	"github.com/chatwire/chatwire/event"
	"github.com/tidwall/gjson"
)

// Codec encodes and decodes wire payloads. Both directions are fallible and
// never panic on malformed input.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSON is the default Codec backed by encoding/json. Failures are converted
// to the structured error taxonomy at this boundary.
type JSON struct{}

func (JSON) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apierr.Parse("encode", err)
	}
	return data, nil
}

func (JSON) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return apierr.Parse("decode", err)
	}
	return nil
}

// eventKnownKeys are the envelope fields owned by event.Event. Anything
// else the server sends is kept in ExtraData.
var eventKnownKeys = map[string]struct{}{
	"type": {}, "created_at": {}, "cid": {}, "connection_id": {},
	"user": {}, "me": {}, "message": {}, "reaction": {}, "channel": {},
	"member": {}, "total_unread_count": {}, "unread_channels": {},
}

// DecodeEvent parses a raw socket frame into a domain event. The receipt
// timestamp is stamped here, on arrival.
func DecodeEvent(data []byte) (event.Event, error) {
	kind := gjson.GetBytes(data, "type")
	if !kind.Exists() || kind.String() == "" {
		return event.Event{}, apierr.Parse("event envelope", errMissingType)
	}

	var evt event.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return event.Event{}, apierr.Parse("event "+kind.String(), err)
	}
	evt.ReceivedAt = time.Now()
	evt.ExtraData = ExtractExtras(data, eventKnownKeys)
	return evt, nil
}

// ExtractExtras returns the top-level JSON fields of data that are not in
// known. Returns nil when there is nothing extra.
func ExtractExtras(data []byte, known map[string]struct{}) map[string]any {
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil
	}
	for k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil
	}
	return all
}

type missingTypeError struct{}

func (missingTypeError) Error() string { return "missing type tag" }

var errMissingType = missingTypeError{}
