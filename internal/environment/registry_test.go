package environment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
defaults:
  default_environment: python
  workspace_dir: /workspace
  executor_user: sandbox
environments:
  python:
    image: python
    default_filename: main.py
    file_extension: .py
    run_command: "python {file_path}"
    description: Python 3
    enabled: true
  node:
    image: node
    default_filename: main.js
    file_extension: .js
    run_command: "node {file_path}"
    description: Node.js
    enabled: true
  cobol:
    image: cobol
    default_filename: main.cbl
    file_extension: .cbl
    run_command: "sh -c cobc -x {file_path} -o {output_path} && {output_path}"
    description: disabled legacy runtime
    enabled: false
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "environments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0644))
	return path
}

func TestLoad_ListOmitsDisabled(t *testing.T) {
	r, err := Load(writeCatalog(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"python", "node"}, r.List())
}

func TestGet_ResolvesDisabledEntries(t *testing.T) {
	r, err := Load(writeCatalog(t))
	require.NoError(t, err)

	env, ok := r.Get("cobol")
	require.True(t, ok)
	assert.False(t, env.Enabled)
}

func TestGet_UnknownReturnsFalse(t *testing.T) {
	r, err := Load(writeCatalog(t))
	require.NoError(t, err)

	_, ok := r.Get("fortran")
	assert.False(t, ok)
}

func TestResolveImage(t *testing.T) {
	env := Environment{ImageBasename: "python"}
	assert.Equal(t, "code-executor-python", ResolveImage(env, "code-executor"))
}

func TestExpandCommand_PlainSplit(t *testing.T) {
	argv := ExpandCommand("python {file_path}", "/workspace/main.py")
	assert.Equal(t, []string{"python", "/workspace/main.py"}, argv)
}

func TestExpandCommand_ShPrefixProducesThreeElementArgv(t *testing.T) {
	argv := ExpandCommand("sh -c cobc -x {file_path} -o {output_path} && {output_path}", "/workspace/main.cbl")
	require.Len(t, argv, 3)
	assert.Equal(t, "sh", argv[0])
	assert.Equal(t, "-c", argv[1])
	assert.Equal(t, "cobc -x /workspace/main.cbl -o /workspace/main && /workspace/main", argv[2])
}

func TestExpandCommand_FilenamePlaceholder(t *testing.T) {
	argv := ExpandCommand("python {filename}", "/workspace/main.py")
	assert.Equal(t, []string{"python", "main.py"}, argv)
}

func TestExpandCommand_Idempotent(t *testing.T) {
	tmpl := "python {file_path}"
	path := "/workspace/main.py"
	assert.Equal(t, ExpandCommand(tmpl, path), ExpandCommand(tmpl, path))
}
