package cmd

import (
	"github.com/spf13/cobra"

	"github.com/LENAX/his-workflow/pkg/cli/output"
)

// 版本信息（编译时注入）
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var versionLocal bool

// versionCmd 显示CLI版本，并通过 /health 查询服务端版本
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示CLI和服务端版本",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := map[string]string{
			"cli_version": Version,
			"git_commit":  GitCommit,
			"build_time":  BuildTime,
		}
		if !versionLocal {
			if health, err := newClient().Health(); err != nil {
				info["server_error"] = err.Error()
			} else {
				info["server_version"] = health.Version
				info["server_uptime"] = health.Uptime
			}
		}
		if outputJSON {
			return output.PrintJSON(info)
		}

		output.Field("CLI", info["cli_version"])
		output.Field("Commit", info["git_commit"])
		output.Field("Built", info["build_time"])
		if versionLocal {
			return nil
		}
		if msg, ok := info["server_error"]; ok {
			output.Warning("无法连接服务端 %s: %s", serverURL, msg)
			return nil
		}
		output.Field("Server", info["server_version"])
		output.Field("Uptime", info["server_uptime"])
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionLocal, "local", false, "只显示CLI版本，不访问服务端")
}
