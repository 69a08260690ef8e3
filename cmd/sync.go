package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"Prerelease/internal/app"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "执行一次启动同步并输出结果",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			st := a.Bootstrap(cmd.Context())
			return printJSON(st)
		})
	},
}

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "删除本机资料和专辑，回到首次设置",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetYes {
			return fmt.Errorf("重置会删除本机全部资料和专辑，确认请加 --yes")
		}
		return withApp(cmd.Context(), func(a *app.App) error {
			st, err := a.Orchestrator.ForceCompleteReset(cmd.Context())
			if perr := printJSON(st); perr != nil {
				return perr
			}
			return err
		})
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "跳过确认")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resetCmd)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
