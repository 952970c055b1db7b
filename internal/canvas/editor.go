// Package canvas is the graph editor: it owns the live graph of one editing
// session, the selection and the in-progress gestures, and routes every graph
// change through the undo history.
package canvas

import (
	"fmt"

	"go.uber.org/zap"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
	"agent_builder/internal/graph"
	"agent_builder/internal/history"
	"agent_builder/internal/palette"
)

type SelectionKind int

const (
	SelectionNone SelectionKind = iota
	SelectionNode
	SelectionConnection
)

type Selection struct {
	Kind SelectionKind
	ID   string
}

type Options struct {
	HistoryLimit int
	Logger       *zap.Logger
}

type pendingConnection struct {
	nodeID string
	handle string
}

type dragState struct {
	nodeID string
	from   domain.Position
}

// Editor is not safe for concurrent use. All calls are expected from the UI
// event loop.
type Editor struct {
	graph   *graph.Graph
	history *history.History[*graph.Graph]
	logger  *zap.Logger

	pendingType domain.NodeType
	pendingConn *pendingConnection
	drag        *dragState
	selection   Selection

	version  uint64
	onChange func()
}

func New(g *graph.Graph, opts Options) *Editor {
	if g == nil {
		g = graph.New("", "", "")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{
		graph:   g,
		history: history.New[*graph.Graph](opts.HistoryLimit),
		logger:  logger,
	}
}

// SetOnChange registers a callback invoked after every graph change,
// including undo and redo.
func (e *Editor) SetOnChange(fn func()) {
	e.onChange = fn
}

// Load replaces the graph and resets history, selection and gestures.
func (e *Editor) Load(a domain.AgentData) error {
	g, err := graph.FromAgent(a)
	if err != nil {
		return err
	}
	e.graph = g
	e.history.Clear()
	e.resetGestures()
	e.selection = Selection{}
	e.changed()
	return nil
}

func (e *Editor) Snapshot() domain.AgentData { return e.graph.Agent() }

func (e *Editor) Node(id string) (domain.Node, bool)             { return e.graph.Node(id) }
func (e *Editor) Connection(id string) (domain.Connection, bool) { return e.graph.Connection(id) }
func (e *Editor) Nodes() []domain.Node                           { return e.graph.Nodes() }
func (e *Editor) Connections() []domain.Connection               { return e.graph.Connections() }

// Version increases with every graph change. Callers compare versions to
// detect unsaved edits.
func (e *Editor) Version() uint64 { return e.version }

// BeginDrag remembers the palette kind being dragged. The graph is unchanged.
func (e *Editor) BeginDrag(t domain.NodeType) error {
	if _, err := palette.Describe(t); err != nil {
		return &apperr.Error{Kind: apperr.KindValidation, Op: "canvas.BeginDrag", Code: "unknown_node_type",
			Message: fmt.Sprintf("cannot drag node type %q", t), Err: err}
	}
	e.pendingType = t
	return nil
}

// PendingType reports the kind waiting for a drop.
func (e *Editor) PendingType() (domain.NodeType, bool) {
	return e.pendingType, e.pendingType != ""
}

// CancelDrag abandons a palette drag released outside the canvas.
func (e *Editor) CancelDrag() {
	e.pendingType = ""
}

// DropAt creates a node of the pending kind at pos as one undoable step. With
// nothing pending it does nothing and reports false.
func (e *Editor) DropAt(pos domain.Position) (domain.Node, bool, error) {
	t := e.pendingType
	if t == "" {
		return domain.Node{}, false, nil
	}
	e.pendingType = ""
	e.settleDrag()

	n, err := graph.CreateNode(t, pos)
	if err != nil {
		return domain.Node{}, false, err
	}
	if err := e.history.Do(e.graph, &addNodeCmd{node: n}); err != nil {
		return domain.Node{}, false, err
	}
	e.logger.Debug("node dropped",
		zap.String("node_id", n.ID),
		zap.String("type", string(n.Type)),
		zap.Float64("x", pos.X),
		zap.Float64("y", pos.Y),
	)
	e.changed()
	return n, true, nil
}

// StartConnection records the source of a connection gesture.
func (e *Editor) StartConnection(nodeID, handle string) error {
	if !e.graph.HasNode(nodeID) {
		e.pendingConn = nil
		return apperr.Validation("canvas.StartConnection", "missing_endpoint", fmt.Sprintf("node %s not in graph", nodeID))
	}
	e.pendingConn = &pendingConnection{nodeID: nodeID, handle: handle}
	return nil
}

func (e *Editor) ConnectionPending() (string, bool) {
	if e.pendingConn == nil {
		return "", false
	}
	return e.pendingConn.nodeID, true
}

// CompleteConnection finishes the gesture at nodeID. A rejected connection
// clears the gesture and leaves graph and history untouched.
func (e *Editor) CompleteConnection(nodeID, handle string) (domain.Connection, error) {
	pending := e.pendingConn
	e.pendingConn = nil
	if pending == nil {
		return domain.Connection{}, apperr.Validation("canvas.CompleteConnection", "no_pending_connection", "no connection in progress")
	}
	e.settleDrag()

	c, err := e.graph.CreateConnection(pending.nodeID, nodeID, graph.Handles{Source: pending.handle, Target: handle})
	if err != nil {
		e.logger.Debug("connection rejected", zap.String("source", pending.nodeID), zap.String("target", nodeID), zap.Error(err))
		return domain.Connection{}, err
	}
	if err := e.history.Do(e.graph, &addConnectionCmd{conn: c}); err != nil {
		return domain.Connection{}, err
	}
	e.logger.Debug("connection added", zap.String("connection_id", c.ID), zap.String("source", c.Source), zap.String("target", c.Target))
	e.changed()
	return c, nil
}

// CancelConnection abandons a connection gesture.
func (e *Editor) CancelConnection() {
	e.pendingConn = nil
}

// Escape abandons every pending gesture: palette drag, connection and node
// move.
func (e *Editor) Escape() {
	e.CancelDrag()
	e.CancelConnection()
	e.CancelMove()
}

func (e *Editor) Selection() Selection { return e.selection }

func (e *Editor) SelectNode(id string) error {
	if !e.graph.HasNode(id) {
		return apperr.NotFound("canvas.SelectNode", "node", fmt.Sprintf("node %s not found", id))
	}
	e.selection = Selection{Kind: SelectionNode, ID: id}
	return nil
}

func (e *Editor) SelectConnection(id string) error {
	if !e.graph.HasConnection(id) {
		return apperr.NotFound("canvas.SelectConnection", "connection", fmt.Sprintf("connection %s not found", id))
	}
	e.selection = Selection{Kind: SelectionConnection, ID: id}
	return nil
}

func (e *Editor) ClearSelection() {
	e.selection = Selection{}
}

// DeleteSelection removes the selected node, with its connections, or the
// selected connection as one undoable step. It reports false when nothing is
// selected.
func (e *Editor) DeleteSelection() (bool, error) {
	sel := e.selection
	var cmd history.Command[*graph.Graph]
	switch sel.Kind {
	case SelectionNode:
		cmd = &removeNodeCmd{id: sel.ID}
	case SelectionConnection:
		cmd = &removeConnectionCmd{id: sel.ID}
	default:
		return false, nil
	}
	e.settleDrag()
	if err := e.history.Do(e.graph, cmd); err != nil {
		return false, err
	}
	e.logger.Debug("selection deleted", zap.String("id", sel.ID), zap.Int("kind", int(sel.Kind)))
	e.changed()
	return true, nil
}

// UpdateNode applies a partial update as one undoable step.
func (e *Editor) UpdateNode(id string, p graph.Patch) error {
	e.settleDrag()
	if err := e.history.Do(e.graph, &updateNodeCmd{id: id, patch: p}); err != nil {
		return err
	}
	e.changed()
	return nil
}

// BeginMove starts a pointer drag of a node. Moves until EndMove are applied
// live and collapse into a single history step.
func (e *Editor) BeginMove(id string) error {
	n, ok := e.graph.Node(id)
	if !ok {
		return apperr.NotFound("canvas.BeginMove", "node", fmt.Sprintf("node %s not found", id))
	}
	e.settleDrag()
	e.drag = &dragState{nodeID: id, from: n.Position}
	return nil
}

// MoveNode moves a node. Outside a drag gesture each call is one undoable
// step; inside one it only updates the live graph.
func (e *Editor) MoveNode(id string, pos domain.Position) error {
	if e.drag != nil {
		if e.drag.nodeID != id {
			return apperr.Validation("canvas.MoveNode", "drag_in_progress", fmt.Sprintf("node %s is being dragged", e.drag.nodeID))
		}
		if _, err := e.graph.MoveNode(id, pos); err != nil {
			return err
		}
		e.changed()
		return nil
	}
	n, ok := e.graph.Node(id)
	if !ok {
		return apperr.NotFound("canvas.MoveNode", "node", fmt.Sprintf("node %s not found", id))
	}
	if n.Position == pos {
		return nil
	}
	if err := e.history.Do(e.graph, &moveNodeCmd{id: id, from: n.Position, to: pos}); err != nil {
		return err
	}
	e.changed()
	return nil
}

// Dragging reports the node being moved, if any.
func (e *Editor) Dragging() (string, bool) {
	if e.drag == nil {
		return "", false
	}
	return e.drag.nodeID, true
}

// EndMove records the drag as one start-to-end step. A drag that ends where
// it started records nothing.
func (e *Editor) EndMove() {
	d := e.drag
	e.drag = nil
	if d == nil {
		return
	}
	n, ok := e.graph.Node(d.nodeID)
	if !ok || n.Position == d.from {
		return
	}
	e.history.Record(&moveNodeCmd{id: d.nodeID, from: d.from, to: n.Position})
	e.logger.Debug("node moved", zap.String("node_id", d.nodeID))
	e.changed()
}

// CancelMove puts the dragged node back where the drag began. Nothing is
// recorded.
func (e *Editor) CancelMove() {
	d := e.drag
	e.drag = nil
	if d == nil {
		return
	}
	if _, err := e.graph.MoveNode(d.nodeID, d.from); err == nil {
		e.changed()
	}
}

func (e *Editor) Undo() (bool, error) {
	e.settleDrag()
	ok, err := e.history.Undo(e.graph)
	if err != nil || !ok {
		return ok, err
	}
	e.changed()
	return true, nil
}

func (e *Editor) Redo() (bool, error) {
	e.settleDrag()
	ok, err := e.history.Redo(e.graph)
	if err != nil || !ok {
		return ok, err
	}
	e.changed()
	return true, nil
}

func (e *Editor) CanUndo() bool { return e.history.CanUndo() }
func (e *Editor) CanRedo() bool { return e.history.CanRedo() }

func (e *Editor) UndoLabel() string { return e.history.UndoLabel() }
func (e *Editor) RedoLabel() string { return e.history.RedoLabel() }

// settleDrag closes an open drag before another edit so the move keeps its
// own history step.
func (e *Editor) settleDrag() {
	if e.drag != nil {
		e.EndMove()
	}
}

func (e *Editor) resetGestures() {
	e.pendingType = ""
	e.pendingConn = nil
	e.drag = nil
}

// changed drops references to entities that no longer exist and notifies the
// listener.
func (e *Editor) changed() {
	e.version++
	switch e.selection.Kind {
	case SelectionNode:
		if !e.graph.HasNode(e.selection.ID) {
			e.selection = Selection{}
		}
	case SelectionConnection:
		if !e.graph.HasConnection(e.selection.ID) {
			e.selection = Selection{}
		}
	}
	if e.pendingConn != nil && !e.graph.HasNode(e.pendingConn.nodeID) {
		e.pendingConn = nil
	}
	if e.onChange != nil {
		e.onChange()
	}
}
