package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckAcyclic_Chain(t *testing.T) {
	// undo-a -> undo-b -> undo-c 是合法的补偿链
	err := CheckAcyclic(map[string][]string{
		"undo-a": {"undo-b"},
		"undo-b": {"undo-c"},
	})
	assert.NoError(t, err)
}

func TestCheckAcyclic_Empty(t *testing.T) {
	assert.NoError(t, CheckAcyclic(nil))
}

func TestCheckAcyclic_Cycle(t *testing.T) {
	err := CheckAcyclic(map[string][]string{
		"undo-a": {"undo-b"},
		"undo-b": {"undo-a"},
	})
	assert.Error(t, err)
}

func TestCheckAcyclic_SelfLoop(t *testing.T) {
	err := CheckAcyclic(map[string][]string{
		"undo-a": {"undo-a"},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "undo-a")
}

func TestCheckAcyclic_DistinctVertices(t *testing.T) {
	// 多个互不相同的节点必须都能加入图中
	err := CheckAcyclic(map[string][]string{
		"release-bed":  {"notify-ward"},
		"refund":       {"notify-ward", "void-invoice"},
		"void-invoice": {"notify-ward"},
	})
	assert.NoError(t, err)

	err = CheckAcyclic(map[string][]string{
		"release-bed":  {"refund"},
		"refund":       {"void-invoice"},
		"void-invoice": {"release-bed"},
	})
	assert.Error(t, err)
}

func TestVertexHash(t *testing.T) {
	assert.NotEqual(t, vertexHash(&vertex{id: "a"}), vertexHash(&vertex{id: "b"}))
	assert.Equal(t, vertexHash(&vertex{id: "a"}), vertexHash(&vertex{id: "a"}))
}
