package policy

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Document is a parsed policy document: a set of operation configurations
// keyed by operation name.
type Document struct {
	Operations []*Operation `json:"operations"`
}

// ParseJSON parses a policy document. Every operation in the document gets
// defaults applied and is validated; the first invalid operation fails the
// whole parse.
func ParseJSON(data []byte) (*Document, error) {
	var raw struct {
		Operations []map[string]interface{} `json:"operations"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("policy: parse document: %w", err)
	}
	doc := &Document{Operations: make([]*Operation, 0, len(raw.Operations))}
	for i, m := range raw.Operations {
		op, err := Decode(m)
		if err != nil {
			return nil, fmt.Errorf("policy: operation %d: %w", i, err)
		}
		doc.Operations = append(doc.Operations, op)
	}
	return doc, nil
}

// Lookup returns the operation with the given name, or nil.
func (d *Document) Lookup(name string) *Operation {
	for _, op := range d.Operations {
		if op.Name == name {
			return op
		}
	}
	return nil
}
