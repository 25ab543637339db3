package relay

import (
	"encoding/json"
	"strings"
)

// filterWire mirrors Filter's standard fields for JSON decoding; the
// `#X` tag predicates are handled separately since Go struct tags
// cannot express a dynamic key prefix.
type filterWire struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// UnmarshalJSON decodes the standard fields plus any "#X" keyed tag
// predicates into Tags.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var w filterWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.IDs = w.IDs
	f.Authors = w.Authors
	f.Kinds = w.Kinds
	f.Since = w.Since
	f.Until = w.Until
	f.Limit = w.Limit
	f.Tags = nil

	for key, val := range raw {
		if !strings.HasPrefix(key, "#") || len(key) != 2 {
			continue
		}
		var values []string
		if err := json.Unmarshal(val, &values); err != nil {
			return err
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}

	return nil
}

// MarshalJSON encodes the standard fields plus any tag predicates as
// "#X" keys, for round-tripping and for emitting filters in NOTICE/debug
// output.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit != 0 {
		m["limit"] = f.Limit
	}
	for letter, values := range f.Tags {
		m["#"+letter] = values
	}
	return json.Marshal(m)
}
