package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kestrelctl/a2arelay/pkg/presenter"
	"github.com/kestrelctl/a2arelay/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		j, err := info.JSON()
		if err != nil {
			presenter.Error(err, "failed to format version information")
			os.Exit(1)
		}
		fmt.Println(j)
	},
}
