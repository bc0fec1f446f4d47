package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"up", "down", "version", "force"}, names)
}

func TestForceRequiresVersion(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"force"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version required")
}

func TestRejectsNonPostgresAdapter(t *testing.T) {
	t.Setenv("DB_ADAPTER", "sqlite")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"version"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only work with PostgreSQL")
}
