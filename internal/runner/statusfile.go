package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// statusFile is the optional sidecar agents may write at
// <project>/.ralph/status.json to report their own progress.
type statusFile struct {
	Status   string `json:"status"` // in_progress, completed, error
	Progress int    `json:"progress"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// readStatusFile loads the sidecar; any problem (absent, malformed)
// yields nil since the file is only a hint.
func readStatusFile(projectPath string) *statusFile {
	if projectPath == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(projectPath, ".ralph", "status.json"))
	if err != nil {
		return nil
	}
	var sf statusFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil
	}
	return &sf
}

// removeStatusFile deletes a leftover sidecar before a new task starts.
func removeStatusFile(projectPath string) {
	if projectPath == "" {
		return
	}
	_ = os.Remove(filepath.Join(projectPath, ".ralph", "status.json"))
}

// statusFileCompleted reports whether the sidecar claims completion.
func statusFileCompleted(projectPath string) bool {
	sf := readStatusFile(projectPath)
	return sf != nil && sf.Status == "completed"
}
