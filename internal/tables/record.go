package tables

import (
	"encoding/json"
	"errors"
	"fmt"
)

const tableField = "table"

// ErrRecordNotObject indicates a value that does not serialize to a JSON object.
var ErrRecordNotObject = errors.New("tables: record must be a JSON object")

// Record is a stored JSON object tagged with the table that owns it.
type Record json.RawMessage

// Table returns the owning table recorded in the object, or "" when absent.
func (r Record) Table() string {
	var tagged struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal(r, &tagged); err != nil {
		return ""
	}
	return tagged.Table
}

// Decode unmarshals the record into target.
func (r Record) Decode(target any) error {
	return json.Unmarshal(r, target)
}

// MarshalJSON keeps Record usable inside other JSON documents.
func (r Record) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return r, nil
}

// Item pairs a record with the id it is stored under.
type Item struct {
	ID     string
	Record Record
}

// Decode unmarshals the item's record into target.
func (i Item) Decode(target any) error {
	return i.Record.Decode(target)
}

// stamp serializes value as an object and sets its table field.
func stamp(value any, table string) (Record, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotObject, string(raw))
	}
	tableJSON, err := json.Marshal(table)
	if err != nil {
		return nil, err
	}
	fields[tableField] = tableJSON
	stamped, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return Record(stamped), nil
}
