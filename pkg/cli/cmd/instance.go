package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LENAX/his-workflow/pkg/cli/output"
)

var (
	instanceInput  string
	instanceReason string
)

// instanceCmd instance子命令
var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Instance管理命令",
	Long:  `管理工作流实例，包括启动、查看状态和取消。`,
}

// instanceStartCmd 启动实例
var instanceStartCmd = &cobra.Command{
	Use:   "start <code>",
	Short: "按模板启动实例",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, err := parseObject(instanceInput)
		if err != nil {
			output.Error("--input 不是合法的JSON对象: %v", err)
			return err
		}
		result, err := newClient().StartInstance(args[0], input)
		if err != nil {
			output.Error("启动失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		output.Success("实例已启动: %s", result.InstanceID)
		output.Field("Status", output.Status(string(result.Status)))
		return nil
	},
}

// instanceStatusCmd 查看Instance状态
var instanceStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "查看Instance执行状态",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		inst, err := client.GetInstance(args[0])
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}

		tasks, err := client.GetInstanceTasks(args[0])
		if err != nil {
			output.Error("查询任务失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintJSON(map[string]interface{}{
				"instance": inst,
				"tasks":    tasks,
			})
		}

		output.Field("Instance", inst.ID)
		output.Field("Template", fmt.Sprintf("%s (v%d)", inst.TemplateCode, inst.TemplateVersion))
		output.Field("Status", output.Status(string(inst.Status)))
		output.Field("Created", output.Time(&inst.CreatedAt))
		output.Field("Updated", output.Time(&inst.UpdatedAt))
		output.Field("Wake At", output.Time(inst.NextWakeAt))
		output.Field("Events", output.Events(inst.WaitingForEvents))
		output.Field("Error", inst.Error)
		if inst.Cursor != nil && inst.Spec != nil && inst.Cursor.Step < len(inst.Spec.Steps) {
			output.Field("Step", fmt.Sprintf("%d/%d (%s)", inst.Cursor.Step+1, len(inst.Spec.Steps), inst.Spec.Steps[inst.Cursor.Step].ID))
		}

		if len(tasks) > 0 {
			output.Info("Tasks:")
			table := output.NewTable([]string{"TASK_ID", "NAME", "STATUS", "ASSIGNEE"})
			for _, t := range tasks {
				assignee := t.Assignee
				if assignee == "" {
					assignee = "-"
				}
				table.AddRow([]string{t.ID, t.Name, string(t.Status), assignee})
			}
			table.Render()
		}
		return nil
	},
}

// instanceCancelCmd 取消Instance
var instanceCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "取消Instance执行",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := newClient().CancelInstance(args[0], instanceReason)
		if err != nil {
			output.Error("取消失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(inst)
		}
		output.Success("Instance已取消: %s", args[0])
		return nil
	},
}

func init() {
	instanceStartCmd.Flags().StringVarP(&instanceInput, "input", "i", "{}", "启动参数（JSON对象）")
	instanceCancelCmd.Flags().StringVar(&instanceReason, "reason", "", "取消原因")

	instanceCmd.AddCommand(instanceStartCmd)
	instanceCmd.AddCommand(instanceStatusCmd)
	instanceCmd.AddCommand(instanceCancelCmd)
}

// parseObject 解析命令行传入的JSON对象，空字符串视为空对象
func parseObject(raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
