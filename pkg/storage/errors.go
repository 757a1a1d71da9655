package storage

import "errors"

var (
	// ErrTemplateNotFound 模板不存在
	ErrTemplateNotFound = errors.New("模板不存在")
	// ErrInstanceNotFound 实例不存在
	ErrInstanceNotFound = errors.New("实例不存在")
	// ErrTaskNotFound 任务不存在
	ErrTaskNotFound = errors.New("任务不存在")
	// ErrTaskNotClaimable 任务不是可认领/可完成的状态，或已被他人认领
	ErrTaskNotClaimable = errors.New("任务当前状态不允许该操作")
	// ErrConflict 条件更新失败：状态或版本号已被其他执行者修改
	ErrConflict = errors.New("并发冲突")
	// ErrStaleVersion 模板版本低于已存储的版本
	ErrStaleVersion = errors.New("模板版本过旧")
	// ErrDuplicate 主键重复
	ErrDuplicate = errors.New("记录已存在")
)
