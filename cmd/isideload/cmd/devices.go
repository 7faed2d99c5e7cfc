package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nab138/isideload/pkg/idevice"
)

var colorFaint = color.New(color.Faint, color.FgHiBlue).SprintFunc()
var colorBold = color.New(color.Bold).SprintFunc()

var devicesCmd = &cobra.Command{
	Use:          "devices",
	Short:        "List connected iOS devices",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := &idevice.Provider{}
		devices, err := provider.ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Println("no devices connected")
			return nil
		}
		for _, d := range devices {
			name := d.Name
			if name == "" {
				name = "(unpaired)"
			}
			fmt.Printf("%s %s\n", colorBold(name), colorFaint(d.UDID))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
