// Package workflow loads job templates from disk and specializes them with
// per-request node modifications.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"comfytask/internal/domain"
	"comfytask/internal/ports"

	"github.com/rs/zerolog/log"
)

var (
	_ ports.WorkflowResolver = (*Registry)(nil)
	_ ports.WorkflowCatalog  = (*Registry)(nil)
)

// Registry maps template names to the JSON files in its directory. A lookup
// miss triggers a reload so templates dropped into the directory at runtime
// become available without a restart.
type Registry struct {
	dir string

	mu        sync.Mutex
	templates map[string]*Template
}

func NewRegistry(dir string) *Registry {
	r := &Registry{dir: dir, templates: map[string]*Template{}}
	if err := r.load(); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("initial workflow load failed")
	}
	return r
}

func (r *Registry) load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read workflows dir: %w", err)
	}

	loaded := map[string]*Template{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		tpl, err := loadTemplate(name, filepath.Join(r.dir, e.Name()))
		if err != nil {
			log.Warn().Err(err).Str("workflow", name).Msg("skipping unparsable workflow template")
			continue
		}
		loaded[name] = tpl
	}

	r.templates = loaded
	log.Info().Int("count", len(loaded)).Str("dir", r.dir).Msg("workflow templates loaded")
	return nil
}

// Resolve returns the named template, reloading the directory once on a miss.
func (r *Registry) Resolve(name string) (ports.WorkflowTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(name)
}

func (r *Registry) lookup(name string) (*Template, error) {
	if tpl, ok := r.templates[name]; ok {
		return tpl, nil
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	if tpl, ok := r.templates[name]; ok {
		return tpl, nil
	}
	return nil, fmt.Errorf("workflow %q: %w", name, domain.ErrWorkflowNotFound)
}

// Names lists the currently loaded template names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Nodes returns an inspection view of the named template's node graph. The
// inputs maps are copies, safe for callers to hold.
func (r *Registry) Nodes(name string) (map[string]domain.WorkflowNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tpl, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]domain.WorkflowNode, len(tpl.nodes))
	for id, node := range tpl.nodes {
		classType, _ := node["class_type"].(string)
		inputs, _ := node["inputs"].(map[string]any)
		inputsCopy := make(map[string]any, len(inputs))
		for k, v := range inputs {
			inputsCopy[k] = v
		}
		nodes[id] = domain.WorkflowNode{ClassType: classType, Inputs: inputsCopy}
	}
	return nodes, nil
}

// Template is a parsed node graph: node id to node body, where each node
// carries an "inputs" object holding the tunable fields.
type Template struct {
	name  string
	nodes map[string]map[string]any
}

func loadTemplate(name, path string) (*Template, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var nodes map[string]map[string]any
	if err := json.Unmarshal(b, &nodes); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	return &Template{name: name, nodes: nodes}, nil
}

// Apply copies the node graph and merges each modification into the target
// node's inputs. Referencing a node the template does not have is a
// validation error.
func (t *Template) Apply(mods domain.Modifications) (map[string]any, error) {
	payload := make(map[string]any, len(t.nodes))
	for id, node := range t.nodes {
		copied := make(map[string]any, len(node))
		for k, v := range node {
			if k != "inputs" {
				copied[k] = v
				continue
			}
			inputs, _ := v.(map[string]any)
			inputsCopy := make(map[string]any, len(inputs))
			for ik, iv := range inputs {
				inputsCopy[ik] = iv
			}
			copied["inputs"] = inputsCopy
		}
		payload[id] = copied
	}

	for nodeID, overrides := range mods {
		raw, ok := payload[nodeID]
		if !ok {
			return nil, fmt.Errorf("workflow %q has no node %q: %w", t.name, nodeID, domain.ErrInvalidModification)
		}
		node := raw.(map[string]any)
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			inputs = map[string]any{}
			node["inputs"] = inputs
		}
		for field, value := range overrides {
			inputs[field] = value
		}
	}

	return payload, nil
}
