package canvas

import (
	"fmt"

	"agent_builder/internal/domain"
	"agent_builder/internal/graph"
)

type addNodeCmd struct {
	node domain.Node
}

func (c *addNodeCmd) Apply(g *graph.Graph) error { return g.AddNode(c.node) }

func (c *addNodeCmd) Revert(g *graph.Graph) error {
	_, err := g.RemoveNode(c.node.ID)
	return err
}

func (c *addNodeCmd) Label() string { return fmt.Sprintf("add %s", c.node.Type) }

type removeNodeCmd struct {
	id      string
	removal graph.Removal
}

func (c *removeNodeCmd) Apply(g *graph.Graph) error {
	r, err := g.RemoveNode(c.id)
	if err != nil {
		return err
	}
	c.removal = r
	return nil
}

func (c *removeNodeCmd) Revert(g *graph.Graph) error { return g.Restore(c.removal) }

func (c *removeNodeCmd) Label() string {
	if c.removal.Node.ID == "" {
		return "delete node"
	}
	return fmt.Sprintf("delete %s", c.removal.Node.Name)
}

type addConnectionCmd struct {
	conn domain.Connection
}

func (c *addConnectionCmd) Apply(g *graph.Graph) error { return g.AddConnection(c.conn) }

func (c *addConnectionCmd) Revert(g *graph.Graph) error {
	_, err := g.RemoveConnection(c.conn.ID)
	return err
}

func (c *addConnectionCmd) Label() string { return "connect" }

type removeConnectionCmd struct {
	id      string
	removed graph.IndexedConnection
}

func (c *removeConnectionCmd) Apply(g *graph.Graph) error {
	r, err := g.RemoveConnection(c.id)
	if err != nil {
		return err
	}
	c.removed = r
	return nil
}

func (c *removeConnectionCmd) Revert(g *graph.Graph) error {
	return g.InsertConnection(c.removed.Index, c.removed.Connection)
}

func (c *removeConnectionCmd) Label() string { return "delete connection" }

// updateNodeCmd keeps full before/after records so redo does not depend on
// re-evaluating the patch.
type updateNodeCmd struct {
	id      string
	patch   graph.Patch
	before  domain.Node
	after   domain.Node
	applied bool
}

func (c *updateNodeCmd) Apply(g *graph.Graph) error {
	if c.applied {
		return g.ReplaceNode(c.after)
	}
	prev, err := g.UpdateNodeData(c.id, c.patch)
	if err != nil {
		return err
	}
	after, _ := g.Node(c.id)
	c.before = prev
	c.after = after
	c.applied = true
	return nil
}

func (c *updateNodeCmd) Revert(g *graph.Graph) error { return g.ReplaceNode(c.before) }

func (c *updateNodeCmd) Label() string { return "edit node" }

type moveNodeCmd struct {
	id   string
	from domain.Position
	to   domain.Position
}

func (c *moveNodeCmd) Apply(g *graph.Graph) error {
	_, err := g.MoveNode(c.id, c.to)
	return err
}

func (c *moveNodeCmd) Revert(g *graph.Graph) error {
	_, err := g.MoveNode(c.id, c.from)
	return err
}

func (c *moveNodeCmd) Label() string { return "move node" }
