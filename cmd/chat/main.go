// Command pai-chat 是终端里的流式聊天客户端。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version 在构建时通过 ldflags 注入。
var Version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "pai-chat",
		Short:        "Terminal client for the PaiSmart chat backend",
		SilenceUsage: true,
	}

	cmd.AddCommand(newChatCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pai-chat %s\n", Version)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
