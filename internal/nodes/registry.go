package nodes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gopcua/opcua/ua"
)

// Classification decides how a raw node value maps to a lamp.
type Classification string

const (
	ClassError   Classification = "error"
	ClassReady   Classification = "ready"
	ClassGeneric Classification = "generic"
)

var (
	ErrEmptyName      = errors.New("node name is empty")
	ErrDuplicateName  = errors.New("duplicate node name")
	ErrDuplicateNode  = errors.New("duplicate node id")
	ErrInvalidNodeID  = errors.New("invalid node id")
	ErrClassification = errors.New("unknown classification")
)

// Definition is one monitored printer signal.
type Definition struct {
	Name   string         `json:"name" mapstructure:"name"`
	NodeID string         `json:"nodeId" mapstructure:"node_id"`
	Class  Classification `json:"classification" mapstructure:"classification"`
}

// Registry is the immutable, ordered table of monitored nodes.
type Registry struct {
	defs     []Definition
	byName   map[string]int
	byNodeID map[string]int
}

// Default returns the printer's signal table.
func Default() *Registry {
	r, err := NewRegistry(
		Definition{Name: "ERROR", NodeID: "ns=3;i=10021", Class: ClassError},
		Definition{Name: "READY", NodeID: "ns=3;i=10027", Class: ClassReady},
		Definition{Name: "ACTIVE", NodeID: "ns=3;i=10032", Class: ClassGeneric},
		Definition{Name: "LABELS_TO_PRINT", NodeID: "ns=3;i=10038", Class: ClassGeneric},
		Definition{Name: "ERROR_TEXT", NodeID: "ns=3;i=10049", Class: ClassGeneric},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRegistry validates defs and keeps them in the given order. Node ids are
// stored in gopcua's canonical form so lookups do not depend on formatting.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:     make([]Definition, 0, len(defs)),
		byName:   make(map[string]int, len(defs)),
		byNodeID: make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return nil, ErrEmptyName
		}
		if _, ok := r.byName[d.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, d.Name)
		}
		raw := strings.TrimSpace(d.NodeID)
		if raw == "" {
			return nil, fmt.Errorf("%w: empty node id for %s", ErrInvalidNodeID, d.Name)
		}
		// gopcua reads a bare word as a string id; require ns=/i=/s=/g=/b= notation.
		if !strings.Contains(raw, "=") {
			return nil, fmt.Errorf("%w %q for %s: missing identifier type", ErrInvalidNodeID, d.NodeID, d.Name)
		}
		id, err := ua.ParseNodeID(raw)
		if err != nil {
			return nil, fmt.Errorf("%w %q for %s: %v", ErrInvalidNodeID, d.NodeID, d.Name, err)
		}
		d.NodeID = id.String()
		if _, ok := r.byNodeID[d.NodeID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, d.NodeID)
		}
		if d.Class == "" {
			d.Class = ClassGeneric
		}
		switch d.Class {
		case ClassError, ClassReady, ClassGeneric:
		default:
			return nil, fmt.Errorf("%w %q for %s", ErrClassification, d.Class, d.Name)
		}
		r.byName[d.Name] = len(r.defs)
		r.byNodeID[d.NodeID] = len(r.defs)
		r.defs = append(r.defs, d)
	}
	return r, nil
}

func (r *Registry) Len() int { return len(r.defs) }

// All returns a copy of the definitions in registry order.
func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// NodeIDs returns the node ids in registry order.
func (r *Registry) NodeIDs() []string {
	out := make([]string, len(r.defs))
	for i, d := range r.defs {
		out[i] = d.NodeID
	}
	return out
}

func (r *Registry) ByName(name string) (Definition, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// ByNodeID accepts any node id notation gopcua can parse.
func (r *Registry) ByNodeID(nodeID string) (Definition, bool) {
	i, ok := r.byNodeID[nodeID]
	if !ok {
		id, err := ua.ParseNodeID(nodeID)
		if err != nil {
			return Definition{}, false
		}
		if i, ok = r.byNodeID[id.String()]; !ok {
			return Definition{}, false
		}
	}
	return r.defs[i], true
}

// Index returns the registry position of name, or -1.
func (r *Registry) Index(name string) int {
	if i, ok := r.byName[name]; ok {
		return i
	}
	return -1
}
