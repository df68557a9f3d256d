package commands

import (
	"context"

	"github.com/spf13/cobra"
)

var configPath string

func Execute(ctx context.Context, version string) error {
	root := &cobra.Command{
		Use:           "porter",
		Short:         "多任务抢购引擎",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "配置文件路径")

	root.AddCommand(
		newRunCommand(),
		newCheckCommand(),
		newLoginCommand(),
		newMockCommand(),
	)

	return root.ExecuteContext(ctx)
}
