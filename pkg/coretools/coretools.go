// Package coretools registers the built-in workspace tools on a gateway.
// These tools manage the artifacts a workflow produces along the way
// (scripts, manifests, intermediate text) inside a sandboxed workspace
// directory. Domain tools such as media generation are registered by the
// embedding application, not here.
package coretools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clipflow/clipflow/pkg/toolgateway"
)

const defaultMaxReadBytes = 200000

// Options configures the built-in tool set.
type Options struct {
	// WorkspaceDir is the root directory artifacts live under. All paths
	// are resolved relative to it; escaping it is an error.
	WorkspaceDir string
	Logger       zerolog.Logger
}

// Register adds the built-in artifact tools to the gateway.
func Register(gw *toolgateway.Gateway, opts Options) error {
	if opts.WorkspaceDir == "" {
		return fmt.Errorf("workspace directory is required")
	}
	if err := os.MkdirAll(opts.WorkspaceDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	root, err := filepath.Abs(opts.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace directory: %w", err)
	}

	defs := []toolgateway.Definition{
		saveArtifactTool(root),
		loadArtifactTool(root),
		listArtifactsTool(root),
	}
	for _, def := range defs {
		if err := gw.Register(def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}

	opts.Logger.Info().
		Str("workspace", root).
		Int("tools", len(defs)).
		Msg("Core workspace tools registered")
	return nil
}

func saveArtifactTool(root string) toolgateway.Definition {
	return toolgateway.Definition{
		Name:        "save_artifact",
		Description: "Write a workflow artifact (script, manifest, notes) to the workspace",
		Category:    "workspace",
		Version:     "1.0.0",
		Inputs: []toolgateway.Field{
			{Name: "name", Type: "string", Description: "Artifact path relative to the workspace", Required: true},
			{Name: "content", Type: "string", Description: "Artifact content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwrite", Required: false},
		},
		Outputs: []toolgateway.Field{
			{Name: "success", Type: "boolean", Description: "Whether the write succeeded"},
			{Name: "path", Type: "string", Description: "Workspace-relative path written"},
			{Name: "bytes", Type: "integer", Description: "Bytes written"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			name, _ := input["name"].(string)
			target, err := resolveArtifactPath(root, name)
			if err != nil {
				return failure(err.Error()), nil
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return failure(fmt.Sprintf("failed to create parent directory: %v", err)), nil
			}

			content, _ := input["content"].(string)
			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if appendMode, _ := input["append"].(bool); appendMode {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}

			f, err := os.OpenFile(target, flags, 0o644)
			if err != nil {
				return failure(fmt.Sprintf("failed to open artifact: %v", err)), nil
			}
			n, err := f.WriteString(content)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return failure(fmt.Sprintf("failed to write artifact: %v", err)), nil
			}

			rel, _ := filepath.Rel(root, target)
			return map[string]interface{}{
				"success": true,
				"path":    rel,
				"bytes":   n,
			}, nil
		},
	}
}

func loadArtifactTool(root string) toolgateway.Definition {
	return toolgateway.Definition{
		Name:        "load_artifact",
		Description: "Read a workflow artifact from the workspace",
		Category:    "workspace",
		Version:     "1.0.0",
		Inputs: []toolgateway.Field{
			{Name: "name", Type: "string", Description: "Artifact path relative to the workspace", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read", Required: false, Default: defaultMaxReadBytes},
		},
		Outputs: []toolgateway.Field{
			{Name: "success", Type: "boolean", Description: "Whether the read succeeded"},
			{Name: "content", Type: "string", Description: "Artifact content"},
			{Name: "truncated", Type: "boolean", Description: "Whether the content hit the byte limit"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			name, _ := input["name"].(string)
			target, err := resolveArtifactPath(root, name)
			if err != nil {
				return failure(err.Error()), nil
			}

			limit := int64(defaultMaxReadBytes)
			if v, ok := asInt64(input["max_bytes"]); ok && v > 0 {
				limit = v
			}

			f, err := os.Open(target)
			if err != nil {
				return failure(fmt.Sprintf("failed to open artifact: %v", err)), nil
			}
			defer f.Close()

			buf := make([]byte, limit+1)
			n, err := io.ReadFull(f, buf)
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return failure(fmt.Sprintf("failed to read artifact: %v", err)), nil
			}

			truncated := int64(n) > limit
			if truncated {
				n = int(limit)
			}
			return map[string]interface{}{
				"success":   true,
				"content":   string(buf[:n]),
				"truncated": truncated,
			}, nil
		},
	}
}

func listArtifactsTool(root string) toolgateway.Definition {
	return toolgateway.Definition{
		Name:        "list_artifacts",
		Description: "List workflow artifacts in the workspace",
		Category:    "workspace",
		Version:     "1.0.0",
		Inputs: []toolgateway.Field{
			{Name: "prefix", Type: "string", Description: "Only list artifacts under this relative path", Required: false},
		},
		Outputs: []toolgateway.Field{
			{Name: "success", Type: "boolean", Description: "Whether the listing succeeded"},
			{Name: "artifacts", Type: "array", Description: "Workspace-relative artifact paths"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
			base := root
			if prefix, _ := input["prefix"].(string); prefix != "" {
				resolved, err := resolveArtifactPath(root, prefix)
				if err != nil {
					return failure(err.Error()), nil
				}
				base = resolved
			}

			var artifacts []string
			err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return err
				}
				rel, relErr := filepath.Rel(root, path)
				if relErr != nil {
					return relErr
				}
				artifacts = append(artifacts, filepath.ToSlash(rel))
				return nil
			})
			if err != nil {
				if os.IsNotExist(err) {
					artifacts = nil
				} else {
					return failure(fmt.Sprintf("failed to list artifacts: %v", err)), nil
				}
			}
			if artifacts == nil {
				artifacts = []string{}
			}
			return map[string]interface{}{
				"success":   true,
				"artifacts": artifacts,
			}, nil
		},
	}
}

// resolveArtifactPath joins name onto root and rejects anything that would
// escape the workspace.
func resolveArtifactPath(root, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("artifact name is required")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("artifact name must be relative to the workspace")
	}

	target := filepath.Clean(filepath.Join(root, name))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path escapes the workspace")
	}
	return target, nil
}

// asInt64 accepts the numeric shapes an input map can carry, either native
// Go integers or float64 from decoded JSON.
func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func failure(msg string) map[string]interface{} {
	return map[string]interface{}{
		"success": false,
		"error":   msg,
	}
}
