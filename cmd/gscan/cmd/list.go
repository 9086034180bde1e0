package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list attached adapters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bus := openBus()
		defer bus.Close()
		infos, err := bus.List(selector())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("no adapters found")
			return nil
		}
		bold := color.New(color.Bold).SprintFunc()
		for i, info := range infos {
			fmt.Printf("%s %s fw %s %s\n", bold(fmt.Sprintf("[%d]", i)), info, info.Version, info.Description)
		}
		return nil
	},
}
