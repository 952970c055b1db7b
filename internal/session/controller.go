// Package session is the toolbar side of the builder: agent metadata, save,
// test run and the undo/redo buttons, over an injected store and runner.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"agent_builder/internal/apperr"
	"agent_builder/internal/canvas"
	"agent_builder/internal/domain"
	"agent_builder/internal/executor"
	"agent_builder/internal/graph"
)

// Store persists agents.
type Store interface {
	SaveAgent(ctx context.Context, agent domain.AgentData) error
	LoadAgent(ctx context.Context, id string) (domain.AgentData, error)
}

// Runner executes an agent graph against one input.
type Runner interface {
	Run(ctx context.Context, agent domain.AgentData, input string) (executor.Result, error)
}

// ToolbarState is everything the toolbar renders besides the text fields.
type ToolbarState struct {
	CanUndo   bool
	CanRedo   bool
	UndoLabel string
	RedoLabel string
	Dirty     bool
	Saving    bool
}

type saveRequest struct {
	ID          string `validate:"required"`
	Name        string `validate:"required,max=200"`
	Description string `validate:"max=2000"`
}

// Controller methods other than the completion callback of SaveAsync are
// called from the UI goroutine.
type Controller struct {
	editor   *canvas.Editor
	store    Store
	runner   Runner
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time

	name        string
	description string

	mu           sync.Mutex
	savedVersion uint64
	savedName    string
	savedDesc    string
	saving       int
}

func New(editor *canvas.Editor, store Store, runner Runner, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if editor == nil {
		editor = canvas.New(nil, canvas.Options{Logger: logger})
	}
	snap := editor.Snapshot()
	return &Controller{
		editor:       editor,
		store:        store,
		runner:       runner,
		logger:       logger,
		validate:     validator.New(),
		now:          func() time.Time { return time.Now().UTC() },
		name:         snap.Name,
		description:  snap.Description,
		savedVersion: editor.Version(),
		savedName:    snap.Name,
		savedDesc:    snap.Description,
	}
}

func (c *Controller) Editor() *canvas.Editor { return c.editor }

func (c *Controller) Name() string        { return c.name }
func (c *Controller) Description() string { return c.description }

func (c *Controller) SetName(name string)        { c.name = name }
func (c *Controller) SetDescription(desc string) { c.description = desc }

func (c *Controller) AgentID() string { return c.editor.Snapshot().ID }

// Snapshot serializes the current graph with the toolbar's metadata.
func (c *Controller) Snapshot() domain.AgentData {
	a := c.editor.Snapshot()
	a.Name = strings.TrimSpace(c.name)
	a.Description = strings.TrimSpace(c.description)
	return a
}

// Save hands the serialized agent to the store. On failure the in-memory
// edits are untouched and Save may simply be called again.
func (c *Controller) Save(ctx context.Context) (domain.AgentData, error) {
	agent, err := c.prepareSave()
	if err != nil {
		return domain.AgentData{}, err
	}
	version := c.editor.Version()
	c.beginSave()
	err = c.persist(ctx, agent)
	c.finishSave(agent, version, err)
	if err != nil {
		return domain.AgentData{}, err
	}
	return agent, nil
}

// SaveAsync validates and snapshots on the caller's goroutine, then saves in
// the background. done, if set, runs on the background goroutine.
func (c *Controller) SaveAsync(ctx context.Context, done func(domain.AgentData, error)) error {
	agent, err := c.prepareSave()
	if err != nil {
		return err
	}
	version := c.editor.Version()
	c.beginSave()
	go func() {
		err := c.persist(ctx, agent)
		c.finishSave(agent, version, err)
		if done != nil {
			done(agent, err)
		}
	}()
	return nil
}

// Test runs the current graph. The graph is not saved first.
func (c *Controller) Test(ctx context.Context, input string) (executor.Result, error) {
	if c.runner == nil {
		return executor.Result{}, apperr.Exec("session.Test", errors.New("no runner configured"))
	}
	agent := c.Snapshot()
	res, err := c.runner.Run(ctx, agent, input)
	if err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Exec("session.Test", err)
		}
		c.logger.Warn("test run failed", zap.String("agent_id", agent.ID), zap.Error(err))
		return executor.Result{}, err
	}
	c.logger.Info("test run finished", zap.String("agent_id", agent.ID), zap.Int("steps", len(res.Trace)))
	return res, nil
}

func (c *Controller) Undo() (ToolbarState, error) {
	_, err := c.editor.Undo()
	return c.State(), err
}

func (c *Controller) Redo() (ToolbarState, error) {
	_, err := c.editor.Redo()
	return c.State(), err
}

func (c *Controller) State() ToolbarState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ToolbarState{
		CanUndo:   c.editor.CanUndo(),
		CanRedo:   c.editor.CanRedo(),
		UndoLabel: c.editor.UndoLabel(),
		RedoLabel: c.editor.RedoLabel(),
		Dirty: c.editor.Version() != c.savedVersion ||
			strings.TrimSpace(c.name) != c.savedName ||
			strings.TrimSpace(c.description) != c.savedDesc,
		Saving: c.saving > 0,
	}
}

// Load replaces the editing session with a stored agent.
func (c *Controller) Load(ctx context.Context, agentID string) error {
	if c.store == nil {
		return apperr.Store("session.Load", errors.New("no store configured"))
	}
	agent, err := c.store.LoadAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return c.open(agent)
}

// Reset starts a new, empty agent.
func (c *Controller) Reset(name, description string) {
	g := graph.New("", name, description)
	_ = c.open(g.Agent())
}

func (c *Controller) open(agent domain.AgentData) error {
	if err := c.editor.Load(agent); err != nil {
		return err
	}
	c.name = agent.Name
	c.description = agent.Description
	c.mu.Lock()
	c.savedVersion = c.editor.Version()
	c.savedName = strings.TrimSpace(agent.Name)
	c.savedDesc = strings.TrimSpace(agent.Description)
	c.mu.Unlock()
	c.logger.Info("agent opened", zap.String("agent_id", agent.ID), zap.Int("nodes", len(agent.Nodes)))
	return nil
}

func (c *Controller) prepareSave() (domain.AgentData, error) {
	if c.store == nil {
		return domain.AgentData{}, apperr.Store("session.Save", errors.New("no store configured"))
	}
	agent := c.Snapshot()
	req := saveRequest{ID: agent.ID, Name: agent.Name, Description: agent.Description}
	if err := c.validate.Struct(req); err != nil {
		return domain.AgentData{}, validationError(err)
	}
	now := c.now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	return agent, nil
}

func (c *Controller) persist(ctx context.Context, agent domain.AgentData) error {
	if err := c.store.SaveAgent(ctx, agent); err != nil {
		if apperr.KindOf(err) == "" {
			err = apperr.Store("session.Save", err)
		}
		c.logger.Warn("save failed", zap.String("agent_id", agent.ID), zap.Error(err))
		return err
	}
	c.logger.Info("agent saved",
		zap.String("agent_id", agent.ID),
		zap.Int("nodes", len(agent.Nodes)),
		zap.Int("connections", len(agent.Connections)),
	)
	return nil
}

func (c *Controller) beginSave() {
	c.mu.Lock()
	c.saving++
	c.mu.Unlock()
}

func (c *Controller) finishSave(agent domain.AgentData, version uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saving--
	if err != nil {
		return
	}
	c.savedVersion = version
	c.savedName = agent.Name
	c.savedDesc = agent.Description
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		code := strings.ToLower(f.Field()) + "_" + f.Tag()
		msg := "agent " + strings.ToLower(f.Field()) + " is invalid"
		if f.Tag() == "required" {
			msg = "agent " + strings.ToLower(f.Field()) + " is required"
		}
		return &apperr.Error{Kind: apperr.KindValidation, Op: "session.Save", Code: code, Message: msg, Err: err}
	}
	return &apperr.Error{Kind: apperr.KindValidation, Op: "session.Save", Message: "invalid agent", Err: err}
}
