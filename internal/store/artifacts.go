package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Artifacts writes screenshots under a root directory.
type Artifacts struct {
	rootDir string
}

func NewArtifacts(rootDir string) (*Artifacts, error) {
	root := strings.TrimSpace(rootDir)
	if root == "" {
		return nil, errors.New("artifact root dir is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "screenshots"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directories: %w", err)
	}
	return &Artifacts{rootDir: root}, nil
}

// SaveScreenshot stores a PNG for one step and returns its absolute path.
func (a *Artifacts) SaveScreenshot(ctx context.Context, taskID string, step int, data []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if len(data) == 0 {
		return "", errors.New("screenshot is empty")
	}
	name := fmt.Sprintf("%s-step%d.png", sanitizeTaskID(taskID), step)
	path := filepath.Join(a.rootDir, "screenshots", name)
	if err := WriteAtomic(path, data); err != nil {
		return "", fmt.Errorf("save screenshot: %w", err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path, nil
}

func sanitizeTaskID(taskID string) string {
	taskID = strings.TrimSpace(taskID)
	taskID = strings.ReplaceAll(taskID, "/", "_")
	taskID = strings.ReplaceAll(taskID, "..", "_")
	if taskID == "" {
		return "task"
	}
	return taskID
}
