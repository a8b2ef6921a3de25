package commands

import (
	"github.com/spf13/cobra"

	"github.com/verinet/verinet/src/config"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for verinet
var RootCmd = &cobra.Command{
	Use:              "verinet",
	Short:            "verinet distributed verification",
	TraverseChildren: true,
}
