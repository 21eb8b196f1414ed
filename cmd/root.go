package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// BuildInfo 构建时注入的版本信息
type BuildInfo struct {
	Version   string
	BuildTime string
	GitCommit string
	GitBranch string
}

func NewRootCmd(build BuildInfo) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "maskkit",
		Short: "Interactive foreground selection and cutout service",
		Long: `MaskKit lets a user select foreground regions of an uploaded image by
clicking on automatically generated regions or by placing point prompts,
previews the selection and exports a transparent-background PNG.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// 存在 .env 时加载，忽略错误
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to YAML config file")

	cmd.AddCommand(newServeCmd(&configPath, build))
	cmd.AddCommand(newCutoutCmd(&configPath))
	cmd.AddCommand(newVersionCmd(build))

	return cmd
}
