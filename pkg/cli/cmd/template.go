package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/LENAX/his-workflow/pkg/cli/output"
)

var (
	templateFile    string
	templateCode    string
	templateName    string
	templateVersion int
)

// templateCmd template子命令
var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "模板管理命令",
	Long:  `管理工作流模板。模板按code唯一，提交更高的version会覆盖当前生效的spec。`,
}

// templateApplyCmd 提交模板
var templateApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "提交模板（JSON或YAML）",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(templateFile)
		if err != nil {
			output.Error("读取模板文件失败: %v", err)
			return err
		}
		tpl, err := newClient().UpsertTemplate(templateCode, templateName, templateVersion, data)
		if err != nil {
			output.Error("提交失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(tpl)
		}
		output.Success("模板已保存: %s v%d (%s)", tpl.Code, tpl.Version, tpl.Name)
		return nil
	},
}

// templateListCmd 列出模板
var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出所有模板",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newClient().ListTemplates()
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}

		if outputJSON {
			return output.PrintJSON(result)
		}

		if len(result.Items) == 0 {
			output.Info("暂无模板")
			return nil
		}

		table := output.NewTable([]string{"CODE", "NAME", "VERSION", "STEPS", "UPDATED"})
		for _, tpl := range result.Items {
			table.AddRow([]string{
				tpl.Code,
				tpl.Name,
				strconv.Itoa(tpl.Version),
				strconv.Itoa(tpl.StepCount),
				tpl.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			})
		}
		table.Render()
		return nil
	},
}

// templateGetCmd 查看模板
var templateGetCmd = &cobra.Command{
	Use:   "get <code>",
	Short: "查看模板详情",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tpl, err := newClient().GetTemplate(args[0])
		if err != nil {
			output.Error("查询失败: %v", err)
			return err
		}
		if outputJSON {
			return output.PrintJSON(tpl)
		}
		fmt.Printf("Code:    %s\n", tpl.Code)
		fmt.Printf("Name:    %s\n", tpl.Name)
		fmt.Printf("Version: %d\n", tpl.Version)
		fmt.Println("\nSteps:")
		if tpl.Spec != nil {
			for _, step := range tpl.Spec.Steps {
				fmt.Printf("  • %-20s %s\n", step.ID, step.Kind())
			}
		}
		return nil
	},
}

func init() {
	templateApplyCmd.Flags().StringVarP(&templateFile, "file", "f", "", "模板文件路径（JSON或YAML）")
	templateApplyCmd.Flags().StringVar(&templateCode, "code", "", "模板code")
	templateApplyCmd.Flags().StringVar(&templateName, "name", "", "模板名称，默认取spec中的name")
	templateApplyCmd.Flags().IntVar(&templateVersion, "version", 1, "模板版本号")
	_ = templateApplyCmd.MarkFlagRequired("file")
	_ = templateApplyCmd.MarkFlagRequired("code")

	templateCmd.AddCommand(templateApplyCmd)
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateGetCmd)
}
