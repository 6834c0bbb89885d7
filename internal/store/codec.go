package store

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagemerge/internal/core"
)

// Column codecs shared by the SQL implementations. Documents are stored as
// JSON text (sqlite) or JSONB (postgres). Numbers decode as json.Number and
// are normalized back to int64 so values round-trip with their Go types.

// EncodeJSON marshals v for a JSON column. A nil map encodes as "{}".
func EncodeJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode json column")
	}
	if bytes.Equal(b, []byte("null")) {
		return []byte("{}"), nil
	}
	return b, nil
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode json column")
	}
	return nil
}

// DecodeFields decodes an item's fields document.
func DecodeFields(data []byte) (core.Fields, error) {
	var raw map[string]any
	if err := decode(data, &raw); err != nil {
		return nil, err
	}
	return core.NormalizeFields(raw)
}

// DecodeChanges decodes a change log changes document.
func DecodeChanges(data []byte) (map[string]core.FieldChange, error) {
	var raw map[string]core.FieldChange
	if err := decode(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]core.FieldChange, len(raw))
	for field, c := range raw {
		oldVal, err := core.NormalizeValue(c.Old)
		if err != nil {
			return nil, errors.Wrapf(err, "change %s", field)
		}
		newVal, err := core.NormalizeValue(c.New)
		if err != nil {
			return nil, errors.Wrapf(err, "change %s", field)
		}
		out[field] = core.FieldChange{Old: oldVal, New: newVal}
	}
	return out, nil
}

// DecodeRaw decodes a raw row snapshot.
func DecodeRaw(data []byte) (map[string]string, error) {
	out := map[string]string{}
	if err := decode(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeSummary decodes a batch summary document. Numbers stay json.Number.
func DecodeSummary(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := decode(data, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
