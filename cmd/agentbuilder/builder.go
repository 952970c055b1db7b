package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"agent_builder/internal/canvas"
	"agent_builder/internal/domain"
	"agent_builder/internal/graph"
	"agent_builder/internal/palette"
	"agent_builder/internal/session"
)

// One canvas cell covers cellW by cellH position units.
const (
	cellW = 8.0
	cellH = 16.0
)

func builderCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "builder [agent-id]",
		Short: "Edit an agent graph in the terminal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logPath := filepath.Join(filepath.Dir(cfg.Store.DBPath), "builder.log")
			rt, err := openRuntime(cmd.Context(), cfg, logPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			editor := canvas.New(graph.New("", "Untitled agent", ""), canvas.Options{
				HistoryLimit: cfg.Builder.HistoryLimit,
				Logger:       rt.logger,
			})
			ctrl := session.New(editor, rt.store, rt.runner, rt.logger)
			if len(args) == 1 {
				if err := ctrl.Load(cmd.Context(), args[0]); err != nil {
					return err
				}
			} else {
				ctrl.Reset("Untitled agent", "")
			}
			return newBuilderView(cmd.Context(), ctrl).run()
		},
	}
}

type builderView struct {
	ctx  context.Context
	ctrl *session.Controller
	ed   *canvas.Editor

	app       *tview.Application
	pages     *tview.Pages
	paletteUI *tview.List
	board     *tview.Box
	inspector *tview.TextView
	output    *tview.TextView
	toolbar   *tview.TextView
	status    *tview.TextView
	nameIn    *tview.InputField
	descIn    *tview.InputField
	testIn    *tview.InputField

	cursor domain.Position
}

func newBuilderView(ctx context.Context, ctrl *session.Controller) *builderView {
	v := &builderView{ctx: ctx, ctrl: ctrl, ed: ctrl.Editor(), app: tview.NewApplication()}

	v.paletteUI = tview.NewList().ShowSecondaryText(false)
	v.paletteUI.SetTitle("Palette (Enter pick)").SetBorder(true)
	for _, e := range palette.Entries() {
		t := e.Type
		v.paletteUI.AddItem(e.Label, e.Description, 0, func() { v.pick(t) })
	}

	v.board = tview.NewBox()
	v.board.SetTitle("Canvas").SetBorder(true)
	v.board.SetDrawFunc(v.drawBoard)
	v.board.SetInputCapture(v.boardKeys)
	v.board.SetMouseCapture(v.boardMouse)

	v.inspector = tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	v.inspector.SetTitle("Inspector").SetBorder(true)
	v.output = tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	v.output.SetTitle("Test run").SetBorder(true)

	v.nameIn = tview.NewInputField().SetLabel("Name: ").SetText(ctrl.Name())
	v.nameIn.SetChangedFunc(func(text string) {
		ctrl.SetName(text)
		v.refresh()
	})
	v.descIn = tview.NewInputField().SetLabel("Description: ").SetText(ctrl.Description())
	v.descIn.SetChangedFunc(func(text string) {
		ctrl.SetDescription(text)
		v.refresh()
	})
	v.testIn = tview.NewInputField().SetLabel("Test input: ")
	v.testIn.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			v.runTest(v.testIn.GetText())
		}
	})

	v.toolbar = tview.NewTextView().SetDynamicColors(true)
	v.status = tview.NewTextView().SetDynamicColors(true)
	v.status.SetText("F10 quit | Tab focus | Ctrl+S save | Ctrl+Z undo | Ctrl+Y redo | Ctrl+R test")

	header := tview.NewFlex().
		AddItem(v.nameIn, 0, 1, false).
		AddItem(v.descIn, 0, 2, false)
	side := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.inspector, 0, 2, false).
		AddItem(v.output, 0, 1, false)
	body := tview.NewFlex().
		AddItem(v.paletteUI, 28, 0, true).
		AddItem(v.board, 0, 3, false).
		AddItem(side, 40, 0, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, 1, 0, false).
		AddItem(body, 0, 1, true).
		AddItem(v.testIn, 1, 0, false).
		AddItem(v.toolbar, 1, 0, false).
		AddItem(v.status, 1, 0, false)

	v.pages = tview.NewPages().AddPage("main", root, true, true)
	v.ed.SetOnChange(v.refresh)
	v.app.SetInputCapture(v.globalKeys)
	v.refresh()
	return v
}

func (v *builderView) run() error {
	return v.app.SetRoot(v.pages, true).EnableMouse(true).SetFocus(v.paletteUI).Run()
}

func (v *builderView) pick(t domain.NodeType) {
	if err := v.ed.BeginDrag(t); err != nil {
		v.notify(err)
		return
	}
	v.app.SetFocus(v.board)
	v.say(fmt.Sprintf("placing %s: arrows move, Enter drops, Esc cancels", t))
}

func (v *builderView) globalKeys(event *tcell.EventKey) *tcell.EventKey {
	if v.pages.HasPage("edit") {
		return event
	}
	switch event.Key() {
	case tcell.KeyF10:
		v.app.Stop()
		return nil
	case tcell.KeyCtrlS:
		v.save()
		return nil
	case tcell.KeyCtrlZ:
		_, err := v.ctrl.Undo()
		v.notify(err)
		return nil
	case tcell.KeyCtrlY:
		_, err := v.ctrl.Redo()
		v.notify(err)
		return nil
	case tcell.KeyCtrlR:
		v.app.SetFocus(v.testIn)
		return nil
	case tcell.KeyTab:
		v.cycleFocus()
		return nil
	}
	return event
}

func (v *builderView) cycleFocus() {
	order := []tview.Primitive{v.paletteUI, v.board, v.nameIn, v.descIn, v.testIn}
	focus := v.app.GetFocus()
	for i, p := range order {
		if p == focus {
			v.app.SetFocus(order[(i+1)%len(order)])
			return
		}
	}
	v.app.SetFocus(v.paletteUI)
}

func (v *builderView) boardKeys(event *tcell.EventKey) *tcell.EventKey {
	step := domain.Position{}
	switch event.Key() {
	case tcell.KeyUp:
		step.Y = -cellH
	case tcell.KeyDown:
		step.Y = cellH
	case tcell.KeyLeft:
		step.X = -cellW
	case tcell.KeyRight:
		step.X = cellW
	case tcell.KeyEnter:
		v.activate()
		return nil
	case tcell.KeyEscape:
		if id, ok := v.ed.Dragging(); ok {
			v.ed.CancelMove()
			if n, ok := v.ed.Node(id); ok {
				v.cursor = n.Position
			}
		}
		v.ed.Escape()
		v.say("cancelled")
		return nil
	case tcell.KeyDelete, tcell.KeyBackspace, tcell.KeyBackspace2:
		_, err := v.ed.DeleteSelection()
		v.notify(err)
		return nil
	case tcell.KeyRune:
		v.boardRune(event.Rune())
		return nil
	default:
		return event
	}

	v.cursor.X = max(0, v.cursor.X+step.X)
	v.cursor.Y = max(0, v.cursor.Y+step.Y)
	if id, ok := v.ed.Dragging(); ok {
		v.notify(v.ed.MoveNode(id, v.cursor))
	}
	return nil
}

func (v *builderView) boardRune(r rune) {
	sel := v.ed.Selection()
	switch r {
	case 'c':
		if sel.Kind != canvas.SelectionNode {
			v.say("select a node to connect from")
			return
		}
		if err := v.ed.StartConnection(sel.ID, ""); err != nil {
			v.notify(err)
			return
		}
		v.say("connecting: move to the target node and press Enter")
	case 'm':
		if sel.Kind != canvas.SelectionNode {
			v.say("select a node to move")
			return
		}
		if err := v.ed.BeginMove(sel.ID); err != nil {
			v.notify(err)
			return
		}
		if n, ok := v.ed.Node(sel.ID); ok {
			v.cursor = n.Position
		}
		v.say("moving: arrows move, Enter places, Esc cancels")
	case 'e':
		if sel.Kind == canvas.SelectionNode {
			v.editNode(sel.ID)
		}
	case 'n':
		v.selectNextConnection()
	}
}

// activate is Enter on the canvas: finish whatever gesture is pending, else
// select what is under the cursor.
func (v *builderView) activate() {
	if _, ok := v.ed.Dragging(); ok {
		v.ed.EndMove()
		v.say("moved")
		return
	}
	if _, ok := v.ed.PendingType(); ok {
		n, dropped, err := v.ed.DropAt(v.cursor)
		if err != nil {
			v.notify(err)
			return
		}
		if dropped {
			_ = v.ed.SelectNode(n.ID)
			v.say("added " + n.Name)
		}
		return
	}
	target, onNode := v.nodeAt(v.cursor)
	if _, ok := v.ed.ConnectionPending(); ok {
		if !onNode {
			v.ed.CancelConnection()
			v.say("no node under cursor, connection cancelled")
			return
		}
		c, err := v.ed.CompleteConnection(target.ID, "")
		if err != nil {
			v.notify(err)
			return
		}
		_ = v.ed.SelectConnection(c.ID)
		v.say("connected")
		return
	}
	if onNode {
		_ = v.ed.SelectNode(target.ID)
	} else {
		v.ed.ClearSelection()
	}
	v.refresh()
}

func (v *builderView) selectNextConnection() {
	conns := v.ed.Connections()
	if len(conns) == 0 {
		return
	}
	next := 0
	if sel := v.ed.Selection(); sel.Kind == canvas.SelectionConnection {
		for i, c := range conns {
			if c.ID == sel.ID {
				next = (i + 1) % len(conns)
			}
		}
	}
	_ = v.ed.SelectConnection(conns[next].ID)
	v.refresh()
}

func (v *builderView) boardMouse(action tview.MouseAction, event *tcell.EventMouse) (tview.MouseAction, *tcell.EventMouse) {
	if action != tview.MouseLeftClick {
		return action, event
	}
	bx, by, bw, bh := v.board.GetInnerRect()
	mx, my := event.Position()
	if mx < bx || my < by || mx >= bx+bw || my >= by+bh {
		return action, event
	}
	v.app.SetFocus(v.board)
	v.cursor = domain.Position{X: float64(mx-bx) * cellW, Y: float64(my-by) * cellH}
	v.activate()
	return tview.MouseConsumed, nil
}

func (v *builderView) nodeAt(pos domain.Position) (domain.Node, bool) {
	col, row := cell(pos)
	nodes := v.ed.Nodes()
	for i := len(nodes) - 1; i >= 0; i-- {
		nc, nr := cell(nodes[i].Position)
		if row == nr && col >= nc && col < nc+len(nodeLabel(nodes[i])) {
			return nodes[i], true
		}
	}
	return domain.Node{}, false
}

func (v *builderView) drawBoard(screen tcell.Screen, x, y, width, height int) (int, int, int, int) {
	// Inside the border.
	ix, iy, iw, ih := x+1, y+1, max(0, width-2), max(0, height-2)
	sel := v.ed.Selection()
	source, connecting := v.ed.ConnectionPending()
	for _, n := range v.ed.Nodes() {
		col, row := cell(n.Position)
		if row >= ih || col >= iw {
			continue
		}
		colour := "white"
		switch {
		case sel.Kind == canvas.SelectionNode && sel.ID == n.ID:
			colour = "yellow"
		case connecting && source == n.ID:
			colour = "green"
		}
		tview.Print(screen, fmt.Sprintf("[%s]%s", colour, tview.Escape(nodeLabel(n))), ix+col, iy+row, iw-col, tview.AlignLeft, tcell.ColorWhite)
	}
	cc, cr := cell(v.cursor)
	if cc < iw && cr < ih {
		style := tcell.StyleDefault.Reverse(true)
		r, _, _, _ := screen.GetContent(ix+cc, iy+cr)
		if r == 0 {
			r = ' '
		}
		screen.SetContent(ix+cc, iy+cr, r, nil, style)
	}
	if t, ok := v.ed.PendingType(); ok && cr < ih {
		tview.Print(screen, "[green]+ "+string(t), ix+cc+1, iy+cr, iw-cc-1, tview.AlignLeft, tcell.ColorGreen)
	}
	return ix, iy, iw, ih
}

func (v *builderView) refresh() {
	v.inspector.SetText(v.describeSelection())
	st := v.ctrl.State()
	var parts []string
	if st.CanUndo {
		parts = append(parts, "undo: "+st.UndoLabel)
	}
	if st.CanRedo {
		parts = append(parts, "redo: "+st.RedoLabel)
	}
	switch {
	case st.Saving:
		parts = append(parts, "[yellow]saving...[-]")
	case st.Dirty:
		parts = append(parts, "[red]unsaved[-]")
	default:
		parts = append(parts, "[green]saved[-]")
	}
	v.toolbar.SetText(fmt.Sprintf("%d nodes, %d connections | %s", len(v.ed.Nodes()), len(v.ed.Connections()), strings.Join(parts, " | ")))
}

func (v *builderView) describeSelection() string {
	sel := v.ed.Selection()
	var b strings.Builder
	switch sel.Kind {
	case canvas.SelectionNode:
		n, _ := v.ed.Node(sel.ID)
		fmt.Fprintf(&b, "[yellow]%s[-]\n%s\n%s\n\n", tview.Escape(n.Name), n.Type, tview.Escape(n.Description))
		for k, val := range n.Data {
			fmt.Fprintf(&b, "%s = %v\n", k, tview.Escape(fmt.Sprint(val)))
		}
		b.WriteString("\n[gray]e edit | c connect | m move | Del delete[-]")
	case canvas.SelectionConnection:
		c, _ := v.ed.Connection(sel.ID)
		src, _ := v.ed.Node(c.Source)
		dst, _ := v.ed.Node(c.Target)
		fmt.Fprintf(&b, "[yellow]connection[-]\n%s -> %s\n\n[gray]n next | Del delete[-]", tview.Escape(src.Name), tview.Escape(dst.Name))
	default:
		b.WriteString("[gray]Nothing selected. Enter on a node selects it, n cycles connections.[-]\n\n")
		for _, c := range v.ed.Connections() {
			src, _ := v.ed.Node(c.Source)
			dst, _ := v.ed.Node(c.Target)
			fmt.Fprintf(&b, "%s -> %s\n", tview.Escape(src.Name), tview.Escape(dst.Name))
		}
	}
	return b.String()
}

// editNode opens a form over the canvas for the node's name, description
// and the data keys its type reads.
func (v *builderView) editNode(id string) {
	n, ok := v.ed.Node(id)
	if !ok {
		return
	}
	name, desc := n.Name, n.Description
	data := map[string]string{}
	keys := dataKeysFor(n.Type)

	form := tview.NewForm()
	form.AddInputField("Name", name, 40, nil, func(s string) { name = s })
	form.AddInputField("Description", desc, 40, nil, func(s string) { desc = s })
	for _, k := range keys {
		key := k
		data[key] = fmt.Sprint(valueOr(n.Data[key], ""))
		form.AddInputField(key, data[key], 40, nil, func(s string) { data[key] = s })
	}
	closeForm := func() {
		v.pages.RemovePage("edit")
		v.app.SetFocus(v.board)
	}
	form.AddButton("Save", func() {
		patch := graph.Patch{Name: &name, Description: &desc, Data: map[string]any{}}
		for _, k := range keys {
			raw := strings.TrimSpace(data[k])
			switch {
			case raw == "":
				patch.Unset = append(patch.Unset, k)
			case k == domain.DataKeyMaxMessages:
				num, err := strconv.Atoi(raw)
				if err != nil {
					v.say("max_messages must be a number")
					return
				}
				patch.Data[k] = num
			default:
				patch.Data[k] = raw
			}
		}
		v.notify(v.ed.UpdateNode(id, patch))
		closeForm()
	})
	form.AddButton("Cancel", closeForm)
	form.SetCancelFunc(closeForm)
	form.SetBorder(true).SetTitle("Edit node")

	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(form, 7+2*len(keys), 0, true).
			AddItem(nil, 0, 1, false), 60, 0, true).
		AddItem(nil, 0, 1, false)
	v.pages.AddPage("edit", modal, true, true)
	v.app.SetFocus(form)
}

func (v *builderView) save() {
	err := v.ctrl.SaveAsync(v.ctx, func(agent domain.AgentData, err error) {
		v.app.QueueUpdateDraw(func() {
			if err != nil {
				v.notify(err)
				return
			}
			v.say("saved " + agent.ID)
			v.refresh()
		})
	})
	if err != nil {
		v.notify(err)
		return
	}
	v.refresh()
}

func (v *builderView) runTest(input string) {
	v.output.SetText("[gray]running...[-]")
	go func() {
		res, err := v.ctrl.Test(v.ctx, input)
		v.app.QueueUpdateDraw(func() {
			if err != nil {
				v.output.SetText("[red]" + tview.Escape(err.Error()) + "[-]")
				return
			}
			var b strings.Builder
			fmt.Fprintf(&b, "[green]%s[-]\n\n", tview.Escape(res.Output))
			for _, s := range res.Trace {
				mark := ""
				if s.Skipped {
					mark = " (skipped)"
				}
				fmt.Fprintf(&b, "[gray]%s%s[-] %s\n", tview.Escape(s.Name), mark, tview.Escape(trimLine(s.Output, 60)))
			}
			v.output.SetText(b.String())
		})
	}()
}

func (v *builderView) notify(err error) {
	if err != nil {
		v.say("[red]" + tview.Escape(err.Error()) + "[-]")
	}
	v.refresh()
}

func (v *builderView) say(msg string) {
	v.status.SetText(msg)
}

func dataKeysFor(t domain.NodeType) []string {
	switch t {
	case domain.NodeTypeLLMSystemPrompt:
		return []string{domain.DataKeyPrompt, domain.DataKeyDomain}
	case domain.NodeTypeLLMPrompt:
		return []string{domain.DataKeyTemplate}
	case domain.NodeTypeLLMChat, domain.NodeTypeLLMCompletion:
		return []string{domain.DataKeyModel, domain.DataKeyTemplate}
	case domain.NodeTypeMemoryConversation, domain.NodeTypeMemoryRetrieve:
		return []string{domain.DataKeyMaxMessages}
	case domain.NodeTypeFlowCondition:
		return []string{domain.DataKeyContains}
	default:
		return nil
	}
}

func nodeLabel(n domain.Node) string {
	return "[" + n.Name + "]"
}

func cell(p domain.Position) (col, row int) {
	return int(p.X / cellW), int(p.Y / cellH)
}

func valueOr(v any, def any) any {
	if v == nil {
		return def
	}
	return v
}

func trimLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
