package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agent_builder/internal/chat"
	"agent_builder/internal/domain"
)

func chatCmd(opts *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "chat <agent-id>",
		Short: "Chat with a saved agent",
		Args:  exactArgs(1, "<agent-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			rt, err := openRuntime(ctx, cfg, filepath.Join(filepath.Dir(cfg.Store.DBPath), "chat.log"))
			if err != nil {
				return err
			}
			defer rt.Close()

			agent, err := rt.store.LoadAgent(ctx, args[0])
			if err != nil {
				return err
			}
			conv, err := rt.chat.OpenConversation(ctx, agent.ID, firstNonEmpty(user, cfg.Server.UserID))
			if err != nil {
				return err
			}
			history, err := rt.chat.Messages(ctx, conv.ID)
			if err != nil {
				return err
			}
			rt.watchRemote(ctx, conv.ID)

			view := newChatView(ctx, rt.chat, agent, conv, history, rt.logger)
			return view.run()
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id owning the conversation")
	return cmd
}

type chatView struct {
	ctx    context.Context
	svc    *chat.Service
	agent  domain.AgentData
	conv   domain.Conversation
	logger *zap.Logger

	transcript *chat.Transcript
	app        *tview.Application
	pages      *tview.Pages
	log        *tview.TextView
	input      *tview.InputField
	status     *tview.TextView
	pending    bool
}

func newChatView(ctx context.Context, svc *chat.Service, agent domain.AgentData, conv domain.Conversation, history []domain.ChatMessage, logger *zap.Logger) *chatView {
	v := &chatView{
		ctx:        ctx,
		svc:        svc,
		agent:      agent,
		conv:       conv,
		logger:     logger,
		transcript: chat.NewTranscript(history),
		app:        tview.NewApplication(),
	}

	v.log = tview.NewTextView().SetDynamicColors(true).SetWrap(true).SetScrollable(true)
	v.log.SetTitle(fmt.Sprintf("%s · %s", agent.Name, conv.Title)).SetBorder(true)

	v.input = tview.NewInputField().SetLabel("> ")
	v.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(v.input.GetText())
		if text == "" {
			return
		}
		v.input.SetText("")
		v.send(text)
	})

	v.status = tview.NewTextView().SetDynamicColors(true)
	v.hint()

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.log, 0, 1, false).
		AddItem(v.input, 1, 0, true).
		AddItem(v.status, 1, 0, false)
	v.pages = tview.NewPages().AddPage("main", root, true, true)
	v.app.SetInputCapture(v.keys)
	v.render()
	return v
}

func (v *chatView) run() error {
	updates, cancel := v.svc.Subscribe(v.conv.ID)
	defer cancel()
	go func() {
		for msg := range updates {
			v.transcript.Add(msg)
			v.app.QueueUpdateDraw(v.render)
		}
	}()
	return v.app.SetRoot(v.pages, true).SetFocus(v.input).Run()
}

func (v *chatView) keys(event *tcell.EventKey) *tcell.EventKey {
	if v.pages.HasPage("edit") {
		return event
	}
	switch event.Key() {
	case tcell.KeyEscape, tcell.KeyF10:
		v.app.Stop()
		return nil
	case tcell.KeyCtrlR:
		if last, ok := v.lastAgentMessage(); ok {
			v.regenerate(last)
		}
		return nil
	case tcell.KeyCtrlE:
		if last, ok := v.lastAgentMessage(); ok {
			v.edit(last)
		}
		return nil
	}
	return event
}

func (v *chatView) send(text string) {
	if v.pending {
		return
	}
	v.busy(true)
	go func() {
		user, reply, err := v.svc.Send(v.ctx, v.conv.ID, text)
		v.app.QueueUpdateDraw(func() {
			v.busy(false)
			if err != nil {
				v.fail(err)
				return
			}
			v.transcript.Add(user)
			v.transcript.Add(reply)
			v.render()
		})
	}()
}

func (v *chatView) regenerate(msg domain.ChatMessage) {
	if v.pending {
		return
	}
	v.busy(true)
	go func() {
		_, reply, err := v.svc.Regenerate(v.ctx, v.conv.ID, msg.ID)
		v.app.QueueUpdateDraw(func() {
			v.busy(false)
			if err != nil {
				v.fail(err)
				return
			}
			v.transcript.Add(reply)
			v.render()
		})
	}()
}

func (v *chatView) edit(msg domain.ChatMessage) {
	content := msg.Content
	closeForm := func() {
		v.pages.RemovePage("edit")
		v.app.SetFocus(v.input)
	}
	form := tview.NewForm()
	form.AddTextArea("Reply", content, 0, 8, 0, func(s string) { content = s })
	form.AddButton("Save", func() {
		updated, err := v.svc.EditMessage(v.ctx, msg.ID, content)
		if err != nil {
			v.fail(err)
			return
		}
		v.transcript.Add(updated)
		v.render()
		closeForm()
	})
	form.AddButton("Cancel", closeForm)
	form.SetCancelFunc(closeForm)
	form.SetBorder(true).SetTitle("Edit reply")
	v.pages.AddPage("edit", form, true, true)
	v.app.SetFocus(form)
}

func (v *chatView) lastAgentMessage() (domain.ChatMessage, bool) {
	msgs := v.transcript.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == domain.SenderAgent {
			return msgs[i], true
		}
	}
	return domain.ChatMessage{}, false
}

func (v *chatView) render() {
	var b strings.Builder
	msgs := v.transcript.Messages()
	if len(msgs) == 0 {
		fmt.Fprintf(&b, "[gray]Say hello to %s.[-]\n", tview.Escape(v.agent.Name))
	}
	for _, m := range msgs {
		who, colour := "You", "cyan"
		if m.Sender == domain.SenderAgent {
			who, colour = v.agent.Name, "green"
		}
		fmt.Fprintf(&b, "[%s::b]%s[-::-] [gray]%s[-]\n%s\n\n", colour, tview.Escape(who), m.CreatedAt.Local().Format("15:04"), tview.Escape(m.Content))
	}
	v.log.SetText(b.String())
	v.log.ScrollToEnd()
}

func (v *chatView) busy(on bool) {
	v.pending = on
	if on {
		v.status.SetText("[yellow]thinking...[-]")
		return
	}
	v.hint()
}

func (v *chatView) fail(err error) {
	v.logger.Warn("chat action failed", zap.String("conversation_id", v.conv.ID), zap.Error(err))
	v.status.SetText("[red]" + tview.Escape(err.Error()) + "[-]")
}

func (v *chatView) hint() {
	v.status.SetText("Enter send | Ctrl+R regenerate | Ctrl+E edit reply | Esc quit")
}
