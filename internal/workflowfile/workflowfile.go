// Package workflowfile loads workflow definitions from YAML files and
// converts them into the engine's workflow model.
package workflowfile

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skaldworks/weft"
	"github.com/skaldworks/weft/internal/planner"
)

type WorkflowFile struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Tasks       []FileTask `yaml:"tasks"`
}

type FileTask struct {
	ID                string                 `yaml:"id"`
	Name              string                 `yaml:"name"`
	Handler           string                 `yaml:"handler"`
	Priority          string                 `yaml:"priority"`
	Critical          bool                   `yaml:"critical"`
	DependsOn         []string               `yaml:"depends_on"`
	Timeout           string                 `yaml:"timeout"`
	EstimatedDuration string                 `yaml:"estimated_duration"`
	Args              map[string]interface{} `yaml:"args"`
}

// Loader defines an interface for loading a WorkflowFile from a source.
type Loader interface {
	Load(source string) (*WorkflowFile, error)
	Format() string // e.g., "yaml", "json"
}

// loaderRegistry holds registered Loaders by format name.
var loaderRegistry = make(map[string]Loader)

// RegisterLoader registers a new Loader for a given format.
func RegisterLoader(loader Loader) {
	loaderRegistry[loader.Format()] = loader
}

// GetLoader retrieves a loader by format name (e.g., "yaml").
func GetLoader(format string) (Loader, bool) {
	loader, ok := loaderRegistry[format]
	return loader, ok
}

// YAMLLoader implements Loader for YAML files.
type YAMLLoader struct{}

func (YAMLLoader) Load(path string) (*WorkflowFile, error) {
	return LoadFile(path)
}

func (YAMLLoader) Format() string { return "yaml" }

func init() {
	RegisterLoader(YAMLLoader{})
}

// LoadFile parses a YAML workflow file.
func LoadFile(path string) (*WorkflowFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow file: %w", err)
	}
	defer f.Close()
	var wf WorkflowFile
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}
	return &wf, nil
}

// toArgumentSource converts a YAML argument value to a weft.ArgumentSource.
// Three forms are accepted: a "$task.output.field" reference string, a
// mapping with an "expression" (or explicit "value") key, and any other
// value as a literal.
func toArgumentSource(arg interface{}) weft.ArgumentSource {
	if s, ok := arg.(string); ok && strings.HasPrefix(s, "$") {
		// Reference: $task_id.output or $task_id.output.field
		ref := strings.TrimPrefix(s, "$")
		parts := strings.Split(ref, ".")
		if len(parts) >= 2 && parts[1] == "output" {
			depTaskID := parts[0]
			outputField := ""
			if len(parts) > 2 {
				outputField = strings.Join(parts[2:], ".")
			}
			return weft.ArgumentSource{
				Type:             weft.ArgumentSourceDependencyOutput,
				DependencyTaskID: depTaskID,
				OutputField:      outputField,
			}
		}
	}

	if m, ok := arg.(map[string]interface{}); ok {
		src := weft.ArgumentSource{}
		if required, ok := m["required"].(bool); ok {
			src.Required = required
		}
		if def, ok := m["default"]; ok {
			src.Default = def
		}
		if expr, ok := m["expression"].(string); ok {
			src.Type = weft.ArgumentSourceExpression
			src.Expression = expr
			return src
		}
		if value, ok := m["value"]; ok {
			src.Type = weft.ArgumentSourceLiteral
			src.Value = value
			return src
		}
	}

	return weft.ArgumentSource{
		Type:  weft.ArgumentSourceLiteral,
		Value: arg,
	}
}

// ToWorkflow converts the file into an engine workflow with the given id.
func (wf *WorkflowFile) ToWorkflow(id string) (*weft.Workflow, error) {
	tasks := make([]weft.Task, 0, len(wf.Tasks))
	for _, ft := range wf.Tasks {
		task := weft.Task{
			ID:           ft.ID,
			Name:         ft.Name,
			Handler:      ft.Handler,
			Critical:     ft.Critical,
			Dependencies: ft.DependsOn,
			Priority:     weft.TaskPriority(ft.Priority),
		}
		if task.Name == "" {
			task.Name = ft.ID
		}
		if ft.Timeout != "" {
			d, err := time.ParseDuration(ft.Timeout)
			if err != nil {
				return nil, fmt.Errorf("task '%s': invalid timeout %q: %w", ft.ID, ft.Timeout, err)
			}
			task.Timeout = d
		}
		if ft.EstimatedDuration != "" {
			d, err := time.ParseDuration(ft.EstimatedDuration)
			if err != nil {
				return nil, fmt.Errorf("task '%s': invalid estimated_duration %q: %w", ft.ID, ft.EstimatedDuration, err)
			}
			task.EstimatedDuration = d
		}
		if len(ft.Args) > 0 {
			task.Args = make(map[string]weft.ArgumentSource, len(ft.Args))
			for k, v := range ft.Args {
				task.Args[k] = toArgumentSource(v)
			}
		}
		tasks = append(tasks, task)
	}
	return &weft.Workflow{ID: id, Name: wf.Name, Tasks: tasks}, nil
}

// Load loads a workflow file using the default YAML loader, validates it
// structurally, and converts it.
func Load(path, workflowID string) (*weft.Workflow, error) {
	loader, ok := GetLoader("yaml")
	if !ok {
		return nil, fmt.Errorf("no YAML workflow loader registered")
	}

	file, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	wf, err := file.ToWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if err := planner.New().Validate(*wf); err != nil {
		return nil, err
	}
	return wf, nil
}
