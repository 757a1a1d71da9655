package plugin

// Plugin 生命周期插件接口（对外导出）
type Plugin interface {
	// Name 插件名称，注册后唯一
	Name() string
	// Init 使用绑定参数初始化插件
	Init(params map[string]string) error
	// Execute 处理一次触发，data 为 PluginData
	Execute(data interface{}) error
}
