// Copyright 2025 Hanibal Sk
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LocalTools are the workspace-scoped capabilities: file access and command
// execution rooted under the workspaces directory. Paths in arguments are
// relative to that root ("<workspace>/<file>"); escaping it is refused.
type LocalTools struct {
	root string
}

// NewLocalTools creates the local toolset rooted at the workspaces directory.
func NewLocalTools(root string) *LocalTools {
	return &LocalTools{root: root}
}

// RegisterAll adds every local tool to the registry.
func (l *LocalTools) RegisterAll(r *Registry) error {
	tools := []Tool{
		NewFunc("read_file", "Read a file from a workspace.", l.readFile),
		NewFunc("write_file", "Write a file in a workspace.", l.writeFile),
		NewFunc("list_files", "List files under a workspace directory.", l.listFiles),
		NewFunc("search", "Search workspace files for a substring.", l.search),
		NewFunc("run_command", "Run a shell command inside a workspace.", l.runCommand),
		NewFunc("git_log", "Show recent commits of a workspace.", l.gitTool("log", "--oneline", "-20")),
		NewFunc("git_commit", "Commit all staged and unstaged changes.", l.gitCommit),
		NewFunc("git_push", "Push the workspace branch to origin.", l.gitTool("push", "origin", "HEAD")),
		NewFunc("git_rebase", "Rebase the workspace branch onto a ref (origin/main unless \"onto\" is given).", l.gitRebase),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// resolve joins a relative path under the root, refusing escapes.
func (l *LocalTools) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(l.root, rel)
	cleanRoot := filepath.Clean(l.root) + string(filepath.Separator)
	if !strings.HasPrefix(filepath.Clean(full)+string(filepath.Separator), cleanRoot) {
		return "", fmt.Errorf("path %q escapes the workspace root", rel)
	}
	return full, nil
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func (l *LocalTools) readFile(ctx context.Context, args map[string]interface{}) (string, error) {
	path, err := l.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *LocalTools) writeFile(ctx context.Context, args map[string]interface{}) (string, error) {
	path, err := l.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	content := stringArg(args, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes", len(content)), nil
}

func (l *LocalTools) listFiles(ctx context.Context, args map[string]interface{}) (string, error) {
	dir, err := l.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(name)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (l *LocalTools) search(ctx context.Context, args map[string]interface{}) (string, error) {
	dir, err := l.resolve(stringArg(args, "path"))
	if err != nil {
		return "", err
	}
	needle := stringArg(args, "query")
	if needle == "" {
		return "", fmt.Errorf("query is required")
	}

	var b strings.Builder
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			if d != nil && d.IsDir() && d.Name() == ".git" {
				return filepath.SkipDir
			}
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil // unreadable files are skipped, not fatal
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, needle) {
				rel, _ := filepath.Rel(l.root, path)
				fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, strings.TrimSpace(line))
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if b.Len() == 0 {
		return "no matches", nil
	}
	return b.String(), nil
}

func (l *LocalTools) runCommand(ctx context.Context, args map[string]interface{}) (string, error) {
	dir, err := l.resolve(stringArg(args, "dir"))
	if err != nil {
		return "", err
	}
	command := stringArg(args, "command")
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func (l *LocalTools) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// gitTool adapts a fixed git invocation into a tool function taking a "dir"
// argument.
func (l *LocalTools) gitTool(args ...string) func(context.Context, map[string]interface{}) (string, error) {
	return func(ctx context.Context, toolArgs map[string]interface{}) (string, error) {
		dir, err := l.resolve(stringArg(toolArgs, "dir"))
		if err != nil {
			return "", err
		}
		return l.git(ctx, dir, args...)
	}
}

func (l *LocalTools) gitCommit(ctx context.Context, args map[string]interface{}) (string, error) {
	dir, err := l.resolve(stringArg(args, "dir"))
	if err != nil {
		return "", err
	}
	message := stringArg(args, "message")
	if message == "" {
		return "", fmt.Errorf("message is required")
	}
	if _, err := l.git(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	return l.git(ctx, dir, "commit", "-m", message)
}

func (l *LocalTools) gitRebase(ctx context.Context, args map[string]interface{}) (string, error) {
	dir, err := l.resolve(stringArg(args, "dir"))
	if err != nil {
		return "", err
	}
	onto := stringArg(args, "onto")
	if onto == "" {
		onto = "origin/main"
	}
	return l.git(ctx, dir, "rebase", onto)
}
