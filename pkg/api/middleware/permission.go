package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/his-workflow/pkg/api/dto"
)

// 由网关注入的身份请求头
const (
	HeaderPermissions = "X-HIS-Permissions"
	HeaderUser        = "X-HIS-User"
	HeaderRoles       = "X-HIS-Roles"
)

// 路由所需权限
const (
	PermTemplateWrite  = "workflow.template.write"
	PermTemplateRead   = "workflow.template.read"
	PermInstanceStart  = "workflow.instance.start"
	PermInstanceRead   = "workflow.instance.read"
	PermInstanceCancel = "workflow.instance.cancel"
	PermTaskRead       = "workflow.task.read"
	PermTaskClaim      = "workflow.task.claim"
	PermTaskComplete   = "workflow.task.complete"
	PermEventPublish   = "workflow.event.publish"
	PermAdmin          = "workflow.admin"
)

const (
	ctxUser  = "his.user"
	ctxRoles = "his.roles"
)

// Permission 权限校验中间件工厂
// enabled=false 时只解析身份头，不做权限校验
type Permission struct {
	enabled bool
}

// NewPermission 创建权限校验
func NewPermission(enabled bool) *Permission {
	return &Permission{enabled: enabled}
}

// Require 要求请求携带指定权限
// 权限头为逗号分隔的列表，支持 "*" 和 "workflow.task.*" 形式的前缀通配
func (p *Permission) Require(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxUser, strings.TrimSpace(c.GetHeader(HeaderUser)))
		c.Set(ctxRoles, splitHeader(c.GetHeader(HeaderRoles)))

		if !p.enabled {
			c.Next()
			return
		}
		if !HasPermission(splitHeader(c.GetHeader(HeaderPermissions)), perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, dto.NewErrorResponse(403, fmt.Sprintf("缺少权限: %s", perm)))
			return
		}
		c.Next()
	}
}

// HasPermission 判断权限列表是否覆盖所需权限
func HasPermission(granted []string, perm string) bool {
	for _, g := range granted {
		switch {
		case g == "*" || g == perm:
			return true
		case strings.HasSuffix(g, ".*") && strings.HasPrefix(perm, strings.TrimSuffix(g, "*")):
			return true
		}
	}
	return false
}

// CurrentUser 当前请求的用户
func CurrentUser(c *gin.Context) string {
	return c.GetString(ctxUser)
}

// CurrentRoles 当前请求用户的角色
func CurrentRoles(c *gin.Context) []string {
	return c.GetStringSlice(ctxRoles)
}

func splitHeader(v string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
