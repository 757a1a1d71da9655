package main

import "github.com/LENAX/his-workflow/pkg/cli/cmd"

// his-workflow 命令行入口：管理模板、实例、人工任务和入站事件
func main() {
	cmd.Execute()
}
