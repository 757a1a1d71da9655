// Package dag 基于 go-dag 检测步骤之间的依赖环。
package dag

import (
	"crypto/sha256"
	"fmt"
	"sort"

	godag "github.com/begmaroman/go-dag"
)

// vertex go-dag 节点（实现 Identifiable 接口）
type vertex struct {
	id string
}

// ID 实现 Identifiable 接口
func (v *vertex) ID() string {
	return v.id
}

// CheckAcyclic 检查有向图是否无环（对外导出）
// edges: 起点ID -> 终点ID列表，终点不存在时自动补充节点
func CheckAcyclic(edges map[string][]string) error {
	d := godag.NewDAG[*vertex]()
	// 默认哈希不看未导出字段，按ID区分节点
	d.Options(godag.Options[*vertex]{VertexHashFunc: vertexHash})

	// 排序保证错误信息稳定
	ids := make(map[string]struct{})
	for from, tos := range edges {
		ids[from] = struct{}{}
		for _, to := range tos {
			ids[to] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		if _, err := d.AddVertex(&vertex{id: id}); err != nil {
			return fmt.Errorf("添加节点失败: %s, Error=%w", id, err)
		}
	}
	for _, from := range sorted {
		seen := make(map[string]bool)
		for _, to := range edges[from] {
			if seen[to] {
				continue
			}
			seen[to] = true
			if from == to {
				return fmt.Errorf("检测到循环依赖: %s -> %s", from, to)
			}
			if err := d.AddEdge(from, to); err != nil {
				return fmt.Errorf("检测到循环依赖: %s -> %s, Error=%w", from, to, err)
			}
		}
	}
	return nil
}

func vertexHash(v *vertex) godag.VHash {
	return sha256.Sum256([]byte(v.id))
}
