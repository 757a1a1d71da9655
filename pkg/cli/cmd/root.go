package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/LENAX/his-workflow/pkg/cli/hisworkflow"
)

var (
	// 全局变量
	serverURL   string
	outputJSON  bool
	user        string
	roles       string
	permissions string
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "his-workflow",
	Short: "HIS Workflow CLI - 医院业务流程编排命令行工具",
	Long: `HIS Workflow CLI 是一个用于管理医院业务流程（入院、出院、检验、用药审核）的命令行工具。

支持的功能：
  - 管理模板（提交、列出、查看）
  - 管理实例（启动、查看状态、取消）
  - 处理人工任务（列出、认领、完成）
  - 投递业务事件
  - 查看下游服务熔断状态

使用示例：
  # 提交模板
  his-workflow template apply -f admit-patient.yaml --code admit-patient --version 1

  # 启动实例
  his-workflow instance start admit-patient --input '{"patient_id":"p1"}'

  # 完成护士分诊任务
  his-workflow task complete <task-id> --output '{"score":3}' --user nurse-wang --roles nurse`,
	SilenceUsage: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *hisworkflow.Client {
	return hisworkflow.New(serverURL, hisworkflow.Identity{
		User:        user,
		Roles:       splitList(roles),
		Permissions: splitList(permissions),
	})
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("HIS_WORKFLOW_SERVER", "http://localhost:8080"), "HIS Workflow服务器地址")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "使用JSON格式输出")
	rootCmd.PersistentFlags().StringVarP(&user, "user", "u", os.Getenv("HIS_USER"), "操作用户")
	rootCmd.PersistentFlags().StringVar(&roles, "roles", os.Getenv("HIS_ROLES"), "用户角色，逗号分隔")
	rootCmd.PersistentFlags().StringVar(&permissions, "permissions", envOr("HIS_PERMISSIONS", "*"), "权限列表，逗号分隔")

	// 添加子命令
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(breakerCmd)
	rootCmd.AddCommand(versionCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
