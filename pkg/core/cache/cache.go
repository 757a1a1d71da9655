package cache

import (
	"context"
	"log"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/LENAX/his-workflow/pkg/core/workflow"
)

// TemplateCache 模板缓存接口（对外导出）
// 缓存中的模板是只读的，调用方需要修改时先拷贝
type TemplateCache interface {
	// Get 按code获取模板
	Get(code string) (*workflow.Template, bool)
	// Set 写入模板
	Set(tpl *workflow.Template)
	// Delete 使某个code失效
	Delete(code string)
	// Clear 清空所有缓存
	Clear()
}

// TTLTemplateCache 基于ttlcache的模板缓存实现（对外导出）
type TTLTemplateCache struct {
	c *ttlcache.Cache[string, *workflow.Template]
}

// NewTemplateCache 创建模板缓存（对外导出）
// capacity: 最多缓存的模板数量
// ttl: 缓存有效期
func NewTemplateCache(capacity int, ttl time.Duration) *TTLTemplateCache {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := ttlcache.New(
		ttlcache.WithCapacity[string, *workflow.Template](uint64(capacity)),
		ttlcache.WithTTL[string, *workflow.Template](ttl),
	)
	c.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *workflow.Template]) {
		if reason == ttlcache.EvictionReasonCapacityReached {
			log.Printf("⚠️ [模板缓存] 容量已满，淘汰模板 %s", item.Key())
		}
	})
	return &TTLTemplateCache{c: c}
}

// Get 获取模板
func (t *TTLTemplateCache) Get(code string) (*workflow.Template, bool) {
	if code == "" {
		return nil, false
	}
	item := t.c.Get(code)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Set 写入模板
func (t *TTLTemplateCache) Set(tpl *workflow.Template) {
	if tpl == nil || tpl.Code == "" {
		return
	}
	t.c.Set(tpl.Code, tpl, ttlcache.DefaultTTL)
}

// Delete 删除模板
func (t *TTLTemplateCache) Delete(code string) {
	t.c.Delete(code)
}

// Clear 清空缓存
func (t *TTLTemplateCache) Clear() {
	t.c.DeleteAll()
}

// Len 当前缓存数量
func (t *TTLTemplateCache) Len() int {
	return t.c.Len()
}

// StartEviction 启动过期清理，阻塞到ctx结束
func (t *TTLTemplateCache) StartEviction(ctx context.Context) {
	go t.c.Start()

	<-ctx.Done()

	t.c.Stop()
}
