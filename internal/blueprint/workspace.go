// Package blueprint moves agent graphs in and out of files.
package blueprint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"agent_builder/internal/apperr"
	"agent_builder/internal/domain"
)

const (
	FormatJSON = ".json"
	FormatHCL  = ".hcl"
)

// Workspace confines blueprint files to one directory tree.
type Workspace struct {
	root   string
	logger *zap.Logger
}

func NewWorkspace(root string, logger *zap.Logger) (*Workspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Workspace{root: absRoot, logger: logger}, nil
}

func (w *Workspace) Root() string { return w.root }

// Import reads relPath and decodes it by extension.
func (w *Workspace) Import(relPath string) (domain.AgentData, error) {
	format, err := formatOf(relPath)
	if err != nil {
		return domain.AgentData{}, err
	}
	content, err := w.ReadFile(relPath)
	if err != nil {
		return domain.AgentData{}, err
	}
	var agent domain.AgentData
	switch format {
	case FormatHCL:
		agent, err = ParseHCL(content, relPath)
	default:
		agent, err = DecodeJSON(content)
	}
	if err != nil {
		return domain.AgentData{}, err
	}
	w.logger.Info("blueprint imported",
		zap.String("path", relPath),
		zap.String("agent_id", agent.ID),
		zap.Int("nodes", len(agent.Nodes)),
	)
	return agent, nil
}

// Export writes agent to relPath in the format named by its extension.
func (w *Workspace) Export(relPath string, agent domain.AgentData) error {
	format, err := formatOf(relPath)
	if err != nil {
		return err
	}
	var content []byte
	switch format {
	case FormatHCL:
		content, err = EncodeHCL(agent)
	default:
		content, err = EncodeJSON(agent)
	}
	if err != nil {
		return err
	}
	if err := w.WriteFile(relPath, content); err != nil {
		return err
	}
	w.logger.Info("blueprint exported", zap.String("path", relPath), zap.String("agent_id", agent.ID))
	return nil
}

func (w *Workspace) WriteFile(relPath string, content []byte) error {
	absPath, _, err := w.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(absPath, content, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func (w *Workspace) ReadFile(relPath string) ([]byte, error) {
	absPath, normalized, err := w.resolve(relPath)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(absPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.NotFound("blueprint.ReadFile", "file", fmt.Sprintf("%s does not exist", normalized))
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return content, nil
}

func (w *Workspace) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", apperr.Validation("blueprint.resolve", "invalid_path", fmt.Sprintf("invalid relative path %q", relPath))
	}

	absClean := filepath.Clean(filepath.Join(w.root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(w.root, absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return "", "", apperr.Validation("blueprint.resolve", "path_escape", fmt.Sprintf("path escapes workspace root: %q", relPath))
	}
	return absClean, filepath.ToSlash(rel), nil
}

func formatOf(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case FormatJSON, FormatHCL:
		return ext, nil
	default:
		return "", apperr.Validation("blueprint.formatOf", "unsupported_format", fmt.Sprintf("unsupported blueprint extension %q", ext))
	}
}
