package display

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTree() (root, child *cobra.Command) {
	root = &cobra.Command{Use: "slotpulse"}
	root.PersistentFlags().Bool("json", false, "")
	child = &cobra.Command{Use: "ls", Run: func(*cobra.Command, []string) {}}
	root.AddCommand(child)
	return root, child
}

func TestShouldOutputJSON(t *testing.T) {
	t.Setenv(OutputEnv, "")

	root, child := newTree()
	root.SetArgs([]string{"ls"})
	require.NoError(t, root.Execute())
	assert.False(t, ShouldOutputJSON(child))

	root, child = newTree()
	root.SetArgs([]string{"ls", "--json"})
	require.NoError(t, root.Execute())
	assert.True(t, ShouldOutputJSON(child))

	assert.False(t, ShouldOutputJSON(nil))
}

func TestShouldOutputJSON_Env(t *testing.T) {
	t.Setenv(OutputEnv, "JSON")
	_, child := newTree()
	assert.True(t, ShouldOutputJSON(child))
	assert.True(t, ShouldOutputJSON(nil))

	// An explicit false on the command beats the environment
	root, child := newTree()
	root.SetArgs([]string{"ls", "--json=false"})
	require.NoError(t, root.Execute())
	assert.False(t, ShouldOutputJSON(child))
}

func TestOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, OutputJSON(&buf, map[string]int{"sent": 2}))
	assert.Equal(t, "{\n  \"sent\": 2\n}\n", buf.String())

	assert.Error(t, OutputJSON(&buf, make(chan int)))
}
