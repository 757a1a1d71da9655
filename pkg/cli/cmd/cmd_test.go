package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObject(t *testing.T) {
	out, err := parseObject(`{"patient_id":"p1","age":70}`)
	require.NoError(t, err)
	assert.Equal(t, "p1", out["patient_id"])
	assert.Equal(t, float64(70), out["age"])

	out, err = parseObject("")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = parseObject(`[1,2]`)
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"nurse", "head_nurse"}, splitList(" nurse, ,head_nurse "))
	assert.Nil(t, splitList(""))
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"template", "apply"}, {"template", "list"}, {"template", "get"},
		{"instance", "start"}, {"instance", "status"}, {"instance", "cancel"},
		{"task", "list"}, {"task", "get"}, {"task", "claim"}, {"task", "complete"},
		{"event", "send"}, {"breakers"}, {"version"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
