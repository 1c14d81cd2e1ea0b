package tick

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed fields.yaml
var defaultFieldsYAML []byte

// FieldTable lists, per canonical tick field, the upstream keys to try in
// priority order.
type FieldTable struct {
	InstrumentID []string `yaml:"instrument_id"`
	LastPrice    []string `yaml:"last_price"`
	High         []string `yaml:"high"`
	Low          []string `yaml:"low"`
	Volume       []string `yaml:"volume"`
	PrevClose    []string `yaml:"prev_close"`
	Timestamp    []string `yaml:"timestamp"`
}

// Validate reports whether the table can identify a tick at all.
func (t FieldTable) Validate() error {
	if len(t.InstrumentID) == 0 {
		return errors.New("field table: instrument_id has no candidates")
	}
	if len(t.LastPrice) == 0 {
		return errors.New("field table: last_price has no candidates")
	}
	return nil
}

// LoadFieldTable decodes a YAML alias table.
func LoadFieldTable(r io.Reader) (FieldTable, error) {
	var t FieldTable
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return FieldTable{}, fmt.Errorf("decode field table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return FieldTable{}, err
	}
	return t, nil
}

var loadDefaultFields = sync.OnceValues(func() (FieldTable, error) {
	var t FieldTable
	if err := yaml.Unmarshal(defaultFieldsYAML, &t); err != nil {
		return FieldTable{}, fmt.Errorf("decode embedded field table: %w", err)
	}
	return t, t.Validate()
})

// DefaultFieldTable returns the embedded 5paisa alias table.
func DefaultFieldTable() FieldTable {
	t, err := loadDefaultFields()
	if err != nil {
		panic(err)
	}
	return t
}
