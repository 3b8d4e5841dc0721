package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Built-in tool names.
const (
	NameExecuteCode = "execute_code"
	NameFileRead    = "file_read"
	NameFileWrite   = "file_write"
	NameFileList    = "file_list"
	NameAnalyzeData = "analyze_data"
)

// RegisterBuiltins registers the built-in tool set.
func RegisterBuiltins(r *Registry, maxWriteBytes int) {
	r.Register(&ExecuteCode{})
	r.Register(&FileRead{})
	r.Register(&FileWrite{MaxBytes: maxWriteBytes})
	r.Register(&FileList{})
	r.Register(&AnalyzeData{})
}

// execTimeout derives the provider-level timeout from the dispatcher's
// context deadline.
func execTimeout(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return time.Minute
	}
	return time.Until(deadline)
}

// ExecuteCode runs a snippet in the session's sandbox. The language
// defaults to the session environment's declared runtime.
type ExecuteCode struct{}

func (*ExecuteCode) Name() string { return NameExecuteCode }

func (*ExecuteCode) Definition() Definition {
	return Definition{
		Name:        NameExecuteCode,
		Description: "Execute code in the session's sandbox. Returns stdout, stderr and any rendered artifacts.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code":     map[string]any{"type": "string", "description": "Source code to execute"},
				"language": map[string]any{"type": "string", "description": "Runtime language; defaults to the session environment's runtime"},
			},
			"required": []string{"code"},
		},
	}
}

func (*ExecuteCode) Validate(args map[string]any) error {
	_, err := stringArg(NameExecuteCode, args, "code")
	return err
}

func (*ExecuteCode) Exec(ctx context.Context, target Target, args map[string]any) (Result, error) {
	code, err := stringArg(NameExecuteCode, args, "code")
	if err != nil {
		return Result{}, err
	}
	language, err := optionalStringArg(NameExecuteCode, args, "language", target.Runtime)
	if err != nil {
		return Result{}, err
	}

	res, err := target.Client.Execute(ctx, target.Handle, code, language, execTimeout(ctx))
	if err != nil {
		return Result{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode, Artifacts: res.Artifacts}, err
	}

	return Result{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		Artifacts: res.Artifacts,
	}, nil
}

// FileRead reads a file from the sandbox filesystem.
type FileRead struct{}

func (*FileRead) Name() string { return NameFileRead }

func (*FileRead) Definition() Definition {
	return Definition{
		Name:        NameFileRead,
		Description: "Read a file from the sandbox filesystem.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Path of the file inside the sandbox"},
			},
			"required": []string{"path"},
		},
	}
}

func (*FileRead) Validate(args map[string]any) error {
	_, err := stringArg(NameFileRead, args, "path")
	return err
}

func (*FileRead) Exec(ctx context.Context, target Target, args map[string]any) (Result, error) {
	path, err := stringArg(NameFileRead, args, "path")
	if err != nil {
		return Result{}, err
	}

	data, err := target.Client.ReadFile(ctx, target.Handle, path)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Values: map[string]any{"path": path, "content": data},
	}, nil
}

// FileWrite writes a file into the sandbox filesystem, rejecting
// payloads above MaxBytes.
type FileWrite struct {
	MaxBytes int
}

func (*FileWrite) Name() string { return NameFileWrite }

func (*FileWrite) Definition() Definition {
	return Definition{
		Name:        NameFileWrite,
		Description: "Write a file into the sandbox filesystem.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Destination path inside the sandbox"},
				"content": map[string]any{"type": "string", "description": "File content"},
			},
			"required": []string{"path", "content"},
		},
	}
}

func (w *FileWrite) Validate(args map[string]any) error {
	if _, err := stringArg(NameFileWrite, args, "path"); err != nil {
		return err
	}
	content, ok := args["content"]
	if !ok {
		return &InvalidArgumentsError{Tool: NameFileWrite, Reason: `missing required argument "content"`}
	}
	s, ok := content.(string)
	if !ok {
		return &InvalidArgumentsError{Tool: NameFileWrite, Reason: `argument "content" must be a string`}
	}
	if w.MaxBytes > 0 && len(s) > w.MaxBytes {
		return &PayloadTooLargeError{Size: len(s), Max: w.MaxBytes}
	}
	return nil
}

func (w *FileWrite) Exec(ctx context.Context, target Target, args map[string]any) (Result, error) {
	if err := w.Validate(args); err != nil {
		return Result{}, err
	}
	path := args["path"].(string)
	content := args["content"].(string)

	if err := target.Client.WriteFile(ctx, target.Handle, path, []byte(content)); err != nil {
		return Result{}, err
	}

	return Result{
		Values: map[string]any{"path": path, "bytes_written": len(content)},
	}, nil
}

// FileList lists directory entries in the sandbox filesystem.
type FileList struct{}

func (*FileList) Name() string { return NameFileList }

func (*FileList) Definition() Definition {
	return Definition{
		Name:        NameFileList,
		Description: "List the entries of a directory in the sandbox filesystem.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory path, defaults to the sandbox working directory root"},
			},
		},
	}
}

func (*FileList) Validate(args map[string]any) error {
	_, err := optionalStringArg(NameFileList, args, "path", "/")
	return err
}

func (*FileList) Exec(ctx context.Context, target Target, args map[string]any) (Result, error) {
	dir, err := optionalStringArg(NameFileList, args, "path", "/")
	if err != nil {
		return Result{}, err
	}

	names, err := target.Client.ListFiles(ctx, target.Handle, dir)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Values: map[string]any{"path": dir, "entries": names},
	}, nil
}

// Markers bracketing the JSON summary emitted by the analysis script.
const (
	analysisMarkerBegin = "---ANALYSIS-JSON-BEGIN---"
	analysisMarkerEnd   = "---ANALYSIS-JSON-END---"
)

// analysisScript prints dataset summary statistics as JSON between the
// markers so the structured part can be separated from free-form
// output.
const analysisScript = `import json
import pandas as pd

df = pd.read_csv(%q)
summary = {
    "rows": int(df.shape[0]),
    "columns": int(df.shape[1]),
    "column_types": {c: str(t) for c, t in df.dtypes.items()},
    "missing": {c: int(n) for c, n in df.isnull().sum().items()},
    "describe": json.loads(df.describe(include="all").to_json()),
}
print(%q)
print(json.dumps(summary))
print(%q)
`

// AnalyzeData composes execute_code with a templated analysis script
// and parses summary statistics from stdout.
type AnalyzeData struct{}

func (*AnalyzeData) Name() string { return NameAnalyzeData }

func (*AnalyzeData) Definition() Definition {
	return Definition{
		Name:        NameAnalyzeData,
		Description: "Analyze a CSV file in the sandbox and return summary statistics.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path": map[string]any{"type": "string", "description": "Path of the CSV file inside the sandbox"},
			},
			"required": []string{"file_path"},
		},
	}
}

func (*AnalyzeData) Validate(args map[string]any) error {
	_, err := stringArg(NameAnalyzeData, args, "file_path")
	return err
}

func (*AnalyzeData) Exec(ctx context.Context, target Target, args map[string]any) (Result, error) {
	filePath, err := stringArg(NameAnalyzeData, args, "file_path")
	if err != nil {
		return Result{}, err
	}

	code := fmt.Sprintf(analysisScript, filePath, analysisMarkerBegin, analysisMarkerEnd)

	res, err := target.Client.Execute(ctx, target.Handle, code, "python", execTimeout(ctx))
	result := Result{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode, Artifacts: res.Artifacts}
	if err != nil {
		return result, err
	}

	summary, parseErr := parseAnalysisOutput(res.Stdout)
	if parseErr != nil {
		// Keep the raw streams so the caller can inspect what came back.
		return result, parseErr
	}

	result.Values = map[string]any{"summary": summary}
	return result, nil
}

func parseAnalysisOutput(stdout string) (map[string]any, error) {
	begin := strings.Index(stdout, analysisMarkerBegin)
	end := strings.Index(stdout, analysisMarkerEnd)
	if begin < 0 || end < 0 || end < begin {
		return nil, &ParseError{Marker: analysisMarkerBegin}
	}

	payload := strings.TrimSpace(stdout[begin+len(analysisMarkerBegin) : end])

	var summary map[string]any
	if err := json.Unmarshal([]byte(payload), &summary); err != nil {
		return nil, &ParseError{Marker: analysisMarkerBegin}
	}
	return summary, nil
}
