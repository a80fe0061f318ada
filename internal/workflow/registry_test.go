package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"comfytask/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basicWorkflow = `{
	"3": {
		"class_type": "KSampler",
		"inputs": {"seed": 1, "steps": 20}
	},
	"6": {
		"class_type": "CLIPTextEncode",
		"inputs": {"text": "a photo of a dog"}
	},
	"9": {
		"class_type": "SaveImage"
	}
}`

func writeWorkflow(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0o644))
}

func TestResolveKnownWorkflow(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "basic", basicWorkflow)

	r := NewRegistry(dir)
	tpl, err := r.Resolve("basic")
	require.NoError(t, err)
	assert.NotNil(t, tpl)
	assert.Equal(t, []string{"basic"}, r.Names())
}

func TestResolveUnknownWorkflow(t *testing.T) {
	r := NewRegistry(t.TempDir())

	_, err := r.Resolve("missing")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestResolveReloadsOnMiss(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	_, err := r.Resolve("late")
	require.ErrorIs(t, err, domain.ErrWorkflowNotFound)

	writeWorkflow(t, dir, "late", basicWorkflow)
	_, err = r.Resolve("late")
	assert.NoError(t, err)
}

func TestNamesAreSorted(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "upscale", basicWorkflow)
	writeWorkflow(t, dir, "basic", basicWorkflow)

	r := NewRegistry(dir)
	assert.Equal(t, []string{"basic", "upscale"}, r.Names())
}

func TestNodes(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "basic", basicWorkflow)
	r := NewRegistry(dir)

	nodes, err := r.Nodes("basic")
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	assert.Equal(t, "KSampler", nodes["3"].ClassType)
	assert.Equal(t, float64(20), nodes["3"].Inputs["steps"])
	assert.Equal(t, "CLIPTextEncode", nodes["6"].ClassType)
	assert.Equal(t, "SaveImage", nodes["9"].ClassType)
	assert.Empty(t, nodes["9"].Inputs)
}

func TestNodesReturnsCopies(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "basic", basicWorkflow)
	r := NewRegistry(dir)

	nodes, err := r.Nodes("basic")
	require.NoError(t, err)
	nodes["3"].Inputs["steps"] = 999

	again, err := r.Nodes("basic")
	require.NoError(t, err)
	assert.Equal(t, float64(20), again["3"].Inputs["steps"])
}

func TestNodesUnknownWorkflow(t *testing.T) {
	r := NewRegistry(t.TempDir())

	_, err := r.Nodes("missing")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestApplyMergesModifications(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "basic", basicWorkflow)
	r := NewRegistry(dir)

	tpl, err := r.Resolve("basic")
	require.NoError(t, err)

	payload, err := tpl.Apply(domain.Modifications{
		"3": {"seed": 42},
		"6": {"text": "a photo of a cat"},
	})
	require.NoError(t, err)

	sampler := payload["3"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, 42, sampler["seed"])
	assert.Equal(t, float64(20), sampler["steps"])

	encode := payload["6"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "a photo of a cat", encode["text"])
}

func TestApplyDoesNotMutateTemplate(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "basic", basicWorkflow)
	r := NewRegistry(dir)

	tpl, err := r.Resolve("basic")
	require.NoError(t, err)

	_, err = tpl.Apply(domain.Modifications{"3": {"seed": 42}})
	require.NoError(t, err)

	payload, err := tpl.Apply(nil)
	require.NoError(t, err)
	sampler := payload["3"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, float64(1), sampler["seed"])
}

func TestApplyCreatesInputsWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "basic", basicWorkflow)
	r := NewRegistry(dir)

	tpl, err := r.Resolve("basic")
	require.NoError(t, err)

	payload, err := tpl.Apply(domain.Modifications{"9": {"filename_prefix": "cat"}})
	require.NoError(t, err)

	save := payload["9"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "cat", save["filename_prefix"])
}

func TestApplyUnknownNode(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "basic", basicWorkflow)
	r := NewRegistry(dir)

	tpl, err := r.Resolve("basic")
	require.NoError(t, err)

	_, err = tpl.Apply(domain.Modifications{"99": {"seed": 42}})
	assert.ErrorIs(t, err, domain.ErrInvalidModification)
}

func TestUnparsableTemplateIsSkipped(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "broken", "{not json")
	writeWorkflow(t, dir, "basic", basicWorkflow)

	r := NewRegistry(dir)
	_, err := r.Resolve("basic")
	assert.NoError(t, err)
	_, err = r.Resolve("broken")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}
