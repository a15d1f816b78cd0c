package status

import (
	"encoding/json"

	"printerstatus/internal/nodes"
)

// InitialError is reported until the watcher has produced anything.
const InitialError = "no status yet"

// NodeStatus is the latest state of one monitored node.
type NodeStatus struct {
	ID       string `json:"id"`
	NodeID   string `json:"nodeId"`
	Name     string `json:"name"`
	Status   Lamp   `json:"status"`
	RawValue any    `json:"rawValue"`
}

// Snapshot is the complete printer status at one instant.
type Snapshot struct {
	Connected bool
	Endpoint  string
	Nodes     []NodeStatus
	Error     string
}

// Initial is the snapshot before any connection attempt.
func Initial() Snapshot {
	return Snapshot{Nodes: []NodeStatus{}, Error: InitialError}
}

type snapshotJSON struct {
	Connected bool         `json:"connected"`
	Endpoint  *string      `json:"endpoint"`
	Nodes     []NodeStatus `json:"nodes"`
	Error     string       `json:"error,omitempty"`
}

// MarshalJSON encodes an empty endpoint as null and nodes as an array.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{Connected: s.Connected, Nodes: s.Nodes, Error: s.Error}
	if s.Endpoint != "" {
		ep := s.Endpoint
		out.Endpoint = &ep
	}
	if out.Nodes == nil {
		out.Nodes = []NodeStatus{}
	}
	return json.Marshal(out)
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var in snapshotJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*s = Snapshot{Connected: in.Connected, Nodes: in.Nodes, Error: in.Error}
	if in.Endpoint != nil {
		s.Endpoint = *in.Endpoint
	}
	return nil
}

// Clone returns a copy that shares no mutable state with s.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Nodes = make([]NodeStatus, len(s.Nodes))
	copy(c.Nodes, s.Nodes)
	return c
}

// Node returns the status of name.
func (s Snapshot) Node(name string) (NodeStatus, bool) {
	for _, n := range s.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeStatus{}, false
}

// MarkAlive flags the snapshot connected and clears the error.
func (s *Snapshot) MarkAlive(endpoint string) bool {
	changed := !s.Connected || s.Error != ""
	s.Connected = true
	s.Error = ""
	if endpoint != "" && s.Endpoint != endpoint {
		s.Endpoint = endpoint
		changed = true
	}
	return changed
}

// MarkDisconnected flags the snapshot disconnected with reason. Node values
// are kept.
func (s *Snapshot) MarkDisconnected(reason string) bool {
	if !s.Connected && s.Error == reason {
		return false
	}
	s.Connected = false
	s.Error = reason
	return true
}

// PutNode overwrites the entry for def or inserts a new one at its registry
// position, so nodes are always listed in registry order.
func (s *Snapshot) PutNode(reg *nodes.Registry, def nodes.Definition, value any, lamp Lamp) bool {
	next := NodeStatus{ID: def.NodeID, NodeID: def.NodeID, Name: def.Name, Status: lamp, RawValue: value}
	for i := range s.Nodes {
		if s.Nodes[i].Name != def.Name {
			continue
		}
		changed := !sameNode(s.Nodes[i], next)
		s.Nodes[i] = next
		return changed
	}

	rank := reg.Index(def.Name)
	at := len(s.Nodes)
	for i, n := range s.Nodes {
		if r := reg.Index(n.Name); r < 0 || r > rank {
			at = i
			break
		}
	}
	s.Nodes = append(s.Nodes, NodeStatus{})
	copy(s.Nodes[at+1:], s.Nodes[at:])
	s.Nodes[at] = next
	return true
}

func sameNode(a, b NodeStatus) bool {
	if a.ID != b.ID || a.NodeID != b.NodeID || a.Name != b.Name || a.Status != b.Status {
		return false
	}
	defer func() { _ = recover() }()
	return a.RawValue == b.RawValue
}
