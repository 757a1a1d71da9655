package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LENAX/his-workflow/pkg/cli/output"
	"github.com/LENAX/his-workflow/pkg/core/workflow"
)

var (
	taskRole   string
	taskLimit  int
	taskOutput string
)

// taskCmd task子命令
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "人工任务命令",
	Long:  `查看、认领和完成人工任务。认领人取自 --user，角色取自 --roles。`,
}

// taskListCmd 待认领任务
var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出待认领的任务",
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := newClient().ListReadyTasks(taskRole, taskLimit)
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(tasks)
		}
		if len(tasks) == 0 {
			output.Info("暂无待认领任务")
			return nil
		}
		table := output.NewTable([]string{"TASK_ID", "NAME", "ROLES", "INSTANCE", "CREATED"})
		for _, t := range tasks {
			table.AddRow([]string{
				t.ID,
				t.Name,
				output.Roles(t.CandidateRoles),
				t.InstanceID,
				output.Time(&t.CreatedAt),
			})
		}
		table.Render()
		return nil
	},
}

// taskGetCmd 查看任务
var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "查看任务详情",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := newClient().GetTask(args[0])
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(task)
		}
		printTask(task)
		return nil
	},
}

// taskClaimCmd 认领任务
var taskClaimCmd = &cobra.Command{
	Use:   "claim <id>",
	Short: "认领任务",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := newClient().ClaimTask(args[0])
		if err != nil {
			output.Error("认领失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(task)
		}
		output.Success("任务已认领: %s (%s)", task.ID, task.Assignee)
		return nil
	},
}

// taskCompleteCmd 完成任务
var taskCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "完成任务并唤醒实例",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := parseObject(taskOutput)
		if err != nil {
			output.Error("--output 不是合法的JSON对象: %v", err)
			return err
		}
		task, err := newClient().CompleteTask(args[0], out)
		if err != nil {
			output.Error("完成失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(task)
		}
		output.Success("任务已完成: %s，实例 %s 已唤醒", task.ID, task.InstanceID)
		return nil
	},
}

func printTask(t *workflow.Task) {
	output.Field("Task", t.ID)
	output.Field("Name", t.Name)
	output.Field("Status", output.Status(string(t.Status)))
	output.Field("Instance", fmt.Sprintf("%s (step %s)", t.InstanceID, t.StepID))
	output.Field("Roles", output.Roles(t.CandidateRoles))
	output.Field("Assignee", t.Assignee)
	output.Field("Claimed", output.Time(t.ClaimedAt))
	output.Field("Done", output.Time(t.CompletedAt))
	if t.Payload != nil {
		output.Section("Payload", t.Payload)
	}
	if t.Output != nil {
		output.Section("Output", t.Output)
	}
}

func init() {
	taskListCmd.Flags().StringVar(&taskRole, "role", "", "按候选角色过滤")
	taskListCmd.Flags().IntVar(&taskLimit, "limit", 50, "返回记录数量限制")
	taskCompleteCmd.Flags().StringVarP(&taskOutput, "output", "o", "{}", "任务输出（JSON对象）")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskClaimCmd)
	taskCmd.AddCommand(taskCompleteCmd)
}
