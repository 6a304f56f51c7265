package protocol

import (
	"fmt"
	"sort"
)

// Descriptor maps a variable id to its name and wire representation.
type Descriptor struct {
	ID   uint8
	Name string
	Kind Kind
}

// Registry is an immutable id -> Descriptor table. A decoder is built
// around one registry; there is no process-wide instance.
type Registry struct {
	byID map[uint8]Descriptor
}

// NewRegistry validates descs and builds a registry. Every kind must be
// representable by a record tag.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	byID := make(map[uint8]Descriptor, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			return nil, fmt.Errorf("variable 0x%02x has empty name", d.ID)
		}
		if d.Kind.Size() == 0 {
			return nil, fmt.Errorf("variable 0x%02x (%s) has invalid kind", d.ID, d.Name)
		}
		if _, ok := TagForSize(d.Kind.Size()); !ok {
			return nil, fmt.Errorf("variable 0x%02x (%s): %s has no record encoding", d.ID, d.Name, d.Kind)
		}
		if prev, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate variable id 0x%02x (%s, %s)", d.ID, prev.Name, d.Name)
		}
		byID[d.ID] = d
	}
	return &Registry{byID: byID}, nil
}

// DefaultRegistry is the variable table of the stock datalog firmware.
func DefaultRegistry() *Registry {
	reg, err := NewRegistry(DefaultDescriptors()...)
	if err != nil {
		panic("protocol: default registry: " + err.Error())
	}
	return reg
}

func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{ID: 1, Name: "Voltage_V", Kind: KindFloat32},
		{ID: 2, Name: "Temperature_C", Kind: KindFloat32},
		{ID: 4, Name: "Count", Kind: KindUint32},
		{ID: 7, Name: "LEDStatus", Kind: KindUint8},
	}
}

func (r *Registry) Lookup(id uint8) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

func (r *Registry) Len() int {
	return len(r.byID)
}

// Descriptors returns the table sorted by id.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
