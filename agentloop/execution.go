package agentloop

import (
	"os"
	"path/filepath"
	"runtime"
)

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// ExecutionEnvironment abstracts where tool operations run. Relative paths
// are resolved against WorkingDirectory. Errors are returned unwrapped so
// callers can match fs.ErrNotExist.
type ExecutionEnvironment interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, content []byte) error
	MkdirAll(path string) error
	ListDirectory(path string) ([]DirEntry, error)

	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// LocalExecutionEnvironment runs tools on the local machine.
type LocalExecutionEnvironment struct {
	workingDir string
	platform   string
	osVersion  string
}

// NewLocalExecutionEnvironment creates a local execution environment. An
// empty workingDir means the process working directory.
func NewLocalExecutionEnvironment(workingDir string) *LocalExecutionEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	return &LocalExecutionEnvironment{
		workingDir: workingDir,
		platform:   runtime.GOOS,
		osVersion:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Initialize makes sure the working directory exists.
func (e *LocalExecutionEnvironment) Initialize() error {
	return os.MkdirAll(e.workingDir, 0755)
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string {
	return e.workingDir
}

func (e *LocalExecutionEnvironment) Platform() string {
	return e.platform
}

func (e *LocalExecutionEnvironment) OSVersion() string {
	return e.osVersion
}

func (e *LocalExecutionEnvironment) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalExecutionEnvironment) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(e.resolvePath(path))
}

// WriteFile writes content, creating the file with mode 0644 if needed.
// Parent directories must already exist.
func (e *LocalExecutionEnvironment) WriteFile(path string, content []byte) error {
	return os.WriteFile(e.resolvePath(path), content, 0644)
}

func (e *LocalExecutionEnvironment) MkdirAll(path string) error {
	return os.MkdirAll(e.resolvePath(path), 0755)
}

// ListDirectory returns entries in os.ReadDir order, which is sorted by
// filename.
func (e *LocalExecutionEnvironment) ListDirectory(path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(e.resolvePath(path))
	if err != nil {
		return nil, err
	}

	result := make([]DirEntry, 0, len(entries))
	for _, entry := range entries {
		de := DirEntry{
			Name:  entry.Name(),
			IsDir: entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil {
			de.Size = info.Size()
		}
		result = append(result, de)
	}
	return result, nil
}
