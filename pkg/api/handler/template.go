package handler

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/LENAX/his-workflow/pkg/api/dto"
	"github.com/LENAX/his-workflow/pkg/core/dsl"
	"github.com/LENAX/his-workflow/pkg/core/engine"
)

// TemplateHandler 模板API处理器
type TemplateHandler struct {
	engine *engine.Engine
}

// NewTemplateHandler 创建TemplateHandler
func NewTemplateHandler(eng *engine.Engine) *TemplateHandler {
	return &TemplateHandler{engine: eng}
}

// Upsert 新增或更新模板
// POST /api/v1/templates:upsert
func (h *TemplateHandler) Upsert(c *gin.Context) {
	var req dto.UpsertTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "请求参数错误: %v", err)
		return
	}

	var (
		spec *dsl.Spec
		err  error
	)
	hasSpec := specPresent(req.Spec)
	switch {
	case hasSpec && req.SpecYAML != "":
		badRequest(c, "spec和spec_yaml只能提供一个")
		return
	case hasSpec:
		spec, err = dsl.Parse(req.Spec)
	case req.SpecYAML != "":
		spec, err = dsl.ParseYAML([]byte(req.SpecYAML))
	default:
		badRequest(c, "缺少spec")
		return
	}
	if err != nil {
		respondError(c, "解析模板失败", err)
		return
	}

	tpl, err := h.engine.UpsertTemplate(c.Request.Context(), req.Code, req.Name, req.Version, spec)
	if err != nil {
		respondError(c, "保存模板失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(tpl))
}

// specPresent spec字段缺省或显式为null都视为未提供
func specPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// List 列出所有模板
// GET /api/v1/templates
func (h *TemplateHandler) List(c *gin.Context) {
	tpls, err := h.engine.ListTemplates(c.Request.Context())
	if err != nil {
		respondError(c, "查询模板失败", err)
		return
	}
	items := make([]dto.TemplateSummary, 0, len(tpls))
	for _, tpl := range tpls {
		items = append(items, dto.NewTemplateSummary(tpl))
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(dto.ListResponse[dto.TemplateSummary]{
		Total: len(items),
		Items: items,
	}))
}

// Get 获取模板详情
// GET /api/v1/templates/:code
func (h *TemplateHandler) Get(c *gin.Context) {
	tpl, err := h.engine.GetTemplate(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, "查询模板失败", err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(tpl))
}
