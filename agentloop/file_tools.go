package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

// EditInvalidParamsMessage is returned by edit_file when path is empty or
// old_str equals new_str. No filesystem access happens in that case.
const EditInvalidParamsMessage = "Error: invalid input parameters: path must not be empty and old_str must differ from new_str"

// ReadFileInput is the input of read_file.
type ReadFileInput struct {
	Path string `json:"path" jsonschema:"description=The relative path of a file in the working directory." validate:"required"`
}

// ListFilesInput is the input of list_files.
type ListFilesInput struct {
	Path string `json:"path,omitempty" jsonschema:"description=Optional relative path to list files from. Defaults to the current directory if not provided."`
}

// EditFileInput is the input of edit_file.
type EditFileInput struct {
	Path   string `json:"path" jsonschema:"description=The path to the file"`
	OldStr string `json:"old_str" jsonschema:"description=Text to search for. Must match exactly and must only have one match exactly"`
	NewStr string `json:"new_str" jsonschema:"description=Text to replace old_str with"`
}

// RegisterFileTools registers read_file, list_files and edit_file on reg.
// All filesystem access goes through env.
func RegisterFileTools(reg *ToolRegistry, env ExecutionEnvironment) error {
	tools := []Tool{
		NewTool("read_file",
			"Read the contents of a given relative file path. Use this when you want to see what's inside a file. Do not use this with directory names.",
			readFile(env)),
		NewTool("list_files",
			"List files and directories at a given path. If no path is provided, lists files in the current directory. Directories end with a slash.",
			listFiles(env)),
		NewTool("edit_file",
			"Make edits to a text file. Replaces the first occurrence of 'old_str' with 'new_str' in the given file. "+
				"'old_str' and 'new_str' MUST be different from each other. If the file specified with path doesn't exist, it will be created.",
			editFile(env)),
	}
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func readFile(env ExecutionEnvironment) func(context.Context, ReadFileInput) string {
	return func(_ context.Context, in ReadFileInput) string {
		content, err := env.ReadFile(in.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Sprintf("Error: file not found: %s", in.Path)
			}
			return fmt.Sprintf("Error reading file %s: %v", in.Path, err)
		}
		return fmt.Sprintf("File: %s\n```\n%s\n```", in.Path, content)
	}
}

func listFiles(env ExecutionEnvironment) func(context.Context, ListFilesInput) string {
	return func(_ context.Context, in ListFilesInput) string {
		path := in.Path
		if path == "" {
			path = "."
		}
		entries, err := env.ListDirectory(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Sprintf("Error: path not found: %s", path)
			}
			return fmt.Sprintf("Error listing files in %s: %v", path, err)
		}
		names := lo.Map(entries, func(e DirEntry, _ int) string {
			if e.IsDir {
				return e.Name + "/"
			}
			return e.Name
		})
		return strings.Join(names, "\n")
	}
}

func editFile(env ExecutionEnvironment) func(context.Context, EditFileInput) string {
	return func(_ context.Context, in EditFileInput) string {
		if in.Path == "" || in.OldStr == in.NewStr {
			return EditInvalidParamsMessage
		}

		content, err := env.ReadFile(in.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return createFile(env, in.Path, in.NewStr)
			}
			return fmt.Sprintf("Error editing file %s: %v", in.Path, err)
		}

		old := string(content)
		updated := strings.Replace(old, in.OldStr, in.NewStr, 1)
		if in.OldStr != "" && updated == old {
			return fmt.Sprintf("Error: old_str not found in file %s", in.Path)
		}
		if err := env.WriteFile(in.Path, []byte(updated)); err != nil {
			return fmt.Sprintf("Error editing file %s: %v", in.Path, err)
		}
		return fmt.Sprintf("Successfully edited file %s", in.Path)
	}
}

func createFile(env ExecutionEnvironment, path, content string) string {
	if dir := filepath.Dir(path); dir != "." {
		if err := env.MkdirAll(dir); err != nil {
			return fmt.Sprintf("Error creating directory %s: %v", dir, err)
		}
	}
	if err := env.WriteFile(path, []byte(content)); err != nil {
		return fmt.Sprintf("Error editing file %s: %v", path, err)
	}
	return fmt.Sprintf("Successfully created file %s", path)
}
