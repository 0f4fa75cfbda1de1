package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version 版本号
var Version = "0.4.0"

// rootOptions 全局参数
type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand 创建根命令
func NewRootCommand() *cobra.Command {
	ro := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "copymesh",
		Short:         "跟单同步与风控核心：主账户持仓同步为信号，按回撤暂停/恢复跟单账户",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&ro.configPath, "config", "c", "config.yaml", "配置文件路径")
	cmd.PersistentFlags().StringVar(&ro.logLevel, "log-level", "", "覆盖配置中的日志级别 (DEBUG/INFO/WARN/ERROR)")

	cmd.AddCommand(
		newServeCmd(ro),
		newSyncCmd(ro),
		newRiskCmd(ro),
		newVersionCmd(),
	)
	return cmd
}

// Execute 执行命令行
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}
