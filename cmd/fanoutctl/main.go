package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	command := NewFanoutctlCommand()
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func NewFanoutctlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fanoutctl [flags] [options]",
		Short: "fanoutctl inspects gateway loader configuration and calls loaders.",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.AddCommand(NewCmdValidate())
	cmd.AddCommand(NewCmdFetch())
	cmd.AddCommand(NewCmdVersion())
	return cmd
}
