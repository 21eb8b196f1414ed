package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd(build BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "version:    %s\nbuild_time: %s\ngit_commit: %s\ngit_branch: %s\n",
				build.Version, build.BuildTime, build.GitCommit, build.GitBranch)
		},
	}
}
