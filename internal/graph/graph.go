// Package graph holds the in-memory agent graph and its invariant-preserving
// mutation helpers. A Graph has a single writer; every helper validates before
// it mutates, so a failed call leaves the graph untouched.
package graph

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
	"agent_builder/internal/palette"
)

type Graph struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	nodes []domain.Node
	conns []domain.Connection
	now   func() time.Time
}

// Handles names the optional sub-ports of a connection.
type Handles struct {
	Source string
	Target string
}

// Patch is a partial node update. Nil fields are left alone; Data keys are
// merged and Unset keys are deleted.
type Patch struct {
	Name        *string
	Description *string
	Data        map[string]any
	Unset       []string
}

// IndexedConnection remembers where a connection sat before it was removed.
type IndexedConnection struct {
	Index      int
	Connection domain.Connection
}

// Removal describes everything RemoveNode took out, enough to put it back
// exactly where it was.
type Removal struct {
	Node        domain.Node
	Index       int
	Connections []IndexedConnection
}

func New(id, name, description string) *Graph {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Graph{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FromAgent builds a graph from stored data, rejecting data that breaks the
// graph invariants.
func FromAgent(a domain.AgentData) (*Graph, error) {
	g := New(a.ID, a.Name, a.Description)
	if !a.CreatedAt.IsZero() {
		g.CreatedAt = a.CreatedAt
	}
	if !a.UpdatedAt.IsZero() {
		g.UpdatedAt = a.UpdatedAt
	}
	for _, n := range a.Nodes {
		if n.Data == nil {
			n.Data = map[string]any{}
		}
		if err := g.validateNewNode(n); err != nil {
			return nil, fmt.Errorf("load node %s: %w", n.ID, err)
		}
		g.nodes = append(g.nodes, n.Clone())
	}
	for _, c := range a.Connections {
		if err := g.validateNewConnection(c); err != nil {
			return nil, fmt.Errorf("load connection %s: %w", c.ID, err)
		}
		g.conns = append(g.conns, c)
	}
	return g, nil
}

// Agent returns a deep copy of the graph in its serialized shape.
func (g *Graph) Agent() domain.AgentData {
	out := domain.AgentData{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Nodes:       g.Nodes(),
		Connections: g.Connections(),
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}
	return out
}

func (g *Graph) Clone() *Graph {
	c := *g
	c.nodes = g.Nodes()
	c.conns = g.Connections()
	return &c
}

func (g *Graph) Nodes() []domain.Node {
	out := make([]domain.Node, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.Clone()
	}
	return out
}

func (g *Graph) Connections() []domain.Connection {
	return append([]domain.Connection{}, g.conns...)
}

func (g *Graph) NodeCount() int       { return len(g.nodes) }
func (g *Graph) ConnectionCount() int { return len(g.conns) }

func (g *Graph) Node(id string) (domain.Node, bool) {
	i := g.nodeIndex(id)
	if i < 0 {
		return domain.Node{}, false
	}
	return g.nodes[i].Clone(), true
}

func (g *Graph) Connection(id string) (domain.Connection, bool) {
	i := g.connIndex(id)
	if i < 0 {
		return domain.Connection{}, false
	}
	return g.conns[i], true
}

func (g *Graph) HasNode(id string) bool       { return g.nodeIndex(id) >= 0 }
func (g *Graph) HasConnection(id string) bool { return g.connIndex(id) >= 0 }

// ConnectionsOf returns every connection with nodeID as source or target.
func (g *Graph) ConnectionsOf(nodeID string) []domain.Connection {
	var out []domain.Connection
	for _, c := range g.conns {
		if c.Source == nodeID || c.Target == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// CreateNode builds a node of kind t at pos with a fresh id and the palette's
// label and description. It does not add the node to any graph.
func CreateNode(t domain.NodeType, pos domain.Position) (domain.Node, error) {
	entry, err := palette.Describe(t)
	if err != nil {
		return domain.Node{}, &apperr.Error{
			Kind:    apperr.KindValidation,
			Op:      "graph.CreateNode",
			Code:    "unknown_node_type",
			Message: fmt.Sprintf("cannot create node of type %q", t),
			Err:     err,
		}
	}
	return domain.Node{
		ID:          uuid.NewString(),
		Type:        t,
		Name:        entry.Label,
		Description: entry.Description,
		Position:    pos,
		Data:        map[string]any{},
	}, nil
}

// CreateConnection builds a connection between two nodes of g. It fails with
// a validation error on a self-loop or when an endpoint is missing.
func (g *Graph) CreateConnection(sourceID, targetID string, h Handles) (domain.Connection, error) {
	c := domain.Connection{
		ID:           uuid.NewString(),
		Source:       sourceID,
		Target:       targetID,
		SourceHandle: strings.TrimSpace(h.Source),
		TargetHandle: strings.TrimSpace(h.Target),
	}
	if err := g.validateEndpoints(c); err != nil {
		return domain.Connection{}, err
	}
	return c, nil
}

func (g *Graph) AddNode(n domain.Node) error {
	return g.InsertNode(len(g.nodes), n)
}

// InsertNode adds n at position idx of the insertion order.
func (g *Graph) InsertNode(idx int, n domain.Node) error {
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	if err := g.validateNewNode(n); err != nil {
		return err
	}
	if idx < 0 || idx > len(g.nodes) {
		idx = len(g.nodes)
	}
	g.nodes = append(g.nodes, domain.Node{})
	copy(g.nodes[idx+1:], g.nodes[idx:])
	g.nodes[idx] = n.Clone()
	g.touch()
	return nil
}

// RemoveNode deletes the node and every connection that references it in one
// step.
func (g *Graph) RemoveNode(id string) (Removal, error) {
	i := g.nodeIndex(id)
	if i < 0 {
		return Removal{}, apperr.NotFound("graph.RemoveNode", "node", fmt.Sprintf("node %s not found", id))
	}
	removal := Removal{Node: g.nodes[i].Clone(), Index: i}
	kept := make([]domain.Connection, 0, len(g.conns))
	for ci, c := range g.conns {
		if c.Source == id || c.Target == id {
			removal.Connections = append(removal.Connections, IndexedConnection{Index: ci, Connection: c})
			continue
		}
		kept = append(kept, c)
	}
	g.conns = kept
	g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
	g.touch()
	return removal, nil
}

// Restore reverses a RemoveNode, putting the node and its connections back at
// their original positions.
func (g *Graph) Restore(r Removal) error {
	if g.HasNode(r.Node.ID) {
		return apperr.Validation("graph.Restore", "duplicate_node", fmt.Sprintf("node %s already present", r.Node.ID))
	}
	staged := g.Clone()
	if err := staged.InsertNode(r.Index, r.Node); err != nil {
		return err
	}
	for _, ic := range r.Connections {
		if err := staged.InsertConnection(ic.Index, ic.Connection); err != nil {
			return err
		}
	}
	g.nodes = staged.nodes
	g.conns = staged.conns
	g.touch()
	return nil
}

func (g *Graph) AddConnection(c domain.Connection) error {
	return g.InsertConnection(len(g.conns), c)
}

func (g *Graph) InsertConnection(idx int, c domain.Connection) error {
	if err := g.validateNewConnection(c); err != nil {
		return err
	}
	if idx < 0 || idx > len(g.conns) {
		idx = len(g.conns)
	}
	g.conns = append(g.conns, domain.Connection{})
	copy(g.conns[idx+1:], g.conns[idx:])
	g.conns[idx] = c
	g.touch()
	return nil
}

// RemoveConnection deletes a connection and reports where it was.
func (g *Graph) RemoveConnection(id string) (IndexedConnection, error) {
	i := g.connIndex(id)
	if i < 0 {
		return IndexedConnection{}, apperr.NotFound("graph.RemoveConnection", "connection", fmt.Sprintf("connection %s not found", id))
	}
	removed := IndexedConnection{Index: i, Connection: g.conns[i]}
	g.conns = append(g.conns[:i], g.conns[i+1:]...)
	g.touch()
	return removed, nil
}

// UpdateNodeData applies p and returns the node as it was before.
func (g *Graph) UpdateNodeData(id string, p Patch) (domain.Node, error) {
	i := g.nodeIndex(id)
	if i < 0 {
		return domain.Node{}, apperr.NotFound("graph.UpdateNodeData", "node", fmt.Sprintf("node %s not found", id))
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return domain.Node{}, apperr.Validation("graph.UpdateNodeData", "empty_name", "node name cannot be empty")
	}
	prev := g.nodes[i].Clone()
	next := g.nodes[i].Clone()
	if p.Name != nil {
		next.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	for k, v := range p.Data {
		next.Data[k] = domain.NormalizeValue(v)
	}
	for _, k := range p.Unset {
		delete(next.Data, k)
	}
	g.nodes[i] = next
	g.touch()
	return prev, nil
}

// ReplaceNode swaps in a full node record with the same id. The type cannot
// change.
func (g *Graph) ReplaceNode(n domain.Node) error {
	i := g.nodeIndex(n.ID)
	if i < 0 {
		return apperr.NotFound("graph.ReplaceNode", "node", fmt.Sprintf("node %s not found", n.ID))
	}
	if g.nodes[i].Type != n.Type {
		return apperr.Validation("graph.ReplaceNode", "type_changed",
			fmt.Sprintf("node %s type is immutable (%s -> %s)", n.ID, g.nodes[i].Type, n.Type))
	}
	g.nodes[i] = n.Clone()
	g.touch()
	return nil
}

// MoveNode sets the node's position and returns the previous one.
func (g *Graph) MoveNode(id string, pos domain.Position) (domain.Position, error) {
	i := g.nodeIndex(id)
	if i < 0 {
		return domain.Position{}, apperr.NotFound("graph.MoveNode", "node", fmt.Sprintf("node %s not found", id))
	}
	prev := g.nodes[i].Position
	g.nodes[i].Position = pos
	g.touch()
	return prev, nil
}

// Equal reports whether a and b hold the same nodes and connections in the
// same order. Metadata and timestamps are ignored.
func Equal(a, b *Graph) bool {
	if len(a.nodes) != len(b.nodes) || len(a.conns) != len(b.conns) {
		return false
	}
	for i := range a.nodes {
		if !reflect.DeepEqual(a.nodes[i], b.nodes[i]) {
			return false
		}
	}
	for i := range a.conns {
		if a.conns[i] != b.conns[i] {
			return false
		}
	}
	return true
}

func (g *Graph) validateNewNode(n domain.Node) error {
	if strings.TrimSpace(n.ID) == "" {
		return apperr.Validation("graph.AddNode", "empty_id", "node id is required")
	}
	if !n.Type.Valid() {
		return apperr.Validation("graph.AddNode", "unknown_node_type", fmt.Sprintf("unknown node type %q", n.Type))
	}
	if g.HasNode(n.ID) {
		return apperr.Validation("graph.AddNode", "duplicate_node", fmt.Sprintf("node %s already present", n.ID))
	}
	return nil
}

func (g *Graph) validateNewConnection(c domain.Connection) error {
	if strings.TrimSpace(c.ID) == "" {
		return apperr.Validation("graph.AddConnection", "empty_id", "connection id is required")
	}
	if g.HasConnection(c.ID) {
		return apperr.Validation("graph.AddConnection", "duplicate_connection", fmt.Sprintf("connection %s already present", c.ID))
	}
	return g.validateEndpoints(c)
}

func (g *Graph) validateEndpoints(c domain.Connection) error {
	if c.Source == c.Target {
		return apperr.Validation("graph.CreateConnection", "self_loop", fmt.Sprintf("node %s cannot connect to itself", c.Source))
	}
	if !g.HasNode(c.Source) {
		return apperr.Validation("graph.CreateConnection", "missing_endpoint", fmt.Sprintf("source node %s not in graph", c.Source))
	}
	if !g.HasNode(c.Target) {
		return apperr.Validation("graph.CreateConnection", "missing_endpoint", fmt.Sprintf("target node %s not in graph", c.Target))
	}
	return nil
}

func (g *Graph) nodeIndex(id string) int {
	for i := range g.nodes {
		if g.nodes[i].ID == id {
			return i
		}
	}
	return -1
}

func (g *Graph) connIndex(id string) int {
	for i := range g.conns {
		if g.conns[i].ID == id {
			return i
		}
	}
	return -1
}

func (g *Graph) touch() {
	if g.now == nil {
		g.UpdatedAt = time.Now().UTC()
		return
	}
	g.UpdatedAt = g.now()
}
