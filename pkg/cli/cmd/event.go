package cmd

import (
	"encoding/json"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/LENAX/his-workflow/pkg/cli/output"
)

var (
	eventPayload     string
	eventCorrelation string
)

// eventCmd event子命令
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "业务事件命令",
}

// eventSendCmd 投递事件
var eventSendCmd = &cobra.Command{
	Use:   "send <name>",
	Short: "投递业务事件，唤醒等待该事件的实例",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload any
		if eventPayload != "" {
			if err := json.Unmarshal([]byte(eventPayload), &payload); err != nil {
				output.Error("--payload 不是合法的JSON: %v", err)
				return err
			}
		}
		result, err := newClient().SendEvent(args[0], payload, eventCorrelation)
		if err != nil {
			output.Error("投递失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(result)
		}
		if len(result.Resumed) == 0 {
			output.Warning("没有实例在等待事件 %s", args[0])
			return nil
		}
		output.Success("事件 %s 已唤醒 %d 个实例", args[0], len(result.Resumed))
		output.Bullets(result.Resumed)
		return nil
	},
}

// breakerCmd 查看熔断状态
var breakerCmd = &cobra.Command{
	Use:   "breakers",
	Short: "查看下游服务熔断状态",
	RunE: func(cmd *cobra.Command, args []string) error {
		snaps, err := newClient().Breakers()
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(snaps)
		}
		if len(snaps) == 0 {
			output.Info("暂无下游调用记录")
			return nil
		}
		table := output.NewTable([]string{"SERVICE", "STATE", "FAILURES", "OPENED_AT"})
		for _, s := range snaps {
			opened := output.Time(&s.OpenedAt)
			if opened == "" {
				opened = "-"
			}
			table.AddRow([]string{s.Service, string(s.State), strconv.Itoa(s.ConsecutiveFailures), opened})
		}
		table.Render()
		return nil
	},
}

func init() {
	eventSendCmd.Flags().StringVarP(&eventPayload, "payload", "p", "", "事件负载（JSON）")
	eventSendCmd.Flags().StringVarP(&eventCorrelation, "correlation", "c", "", "关联ID（实例ID或vars.correlation_id），为空时广播")

	eventCmd.AddCommand(eventSendCmd)
}
