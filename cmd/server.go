package cmd

import (
	"context"
	"fmt"

	"Prerelease/internal/app"
	"Prerelease/logger"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动本地桥接服务",
	Long:  `执行启动同步，然后在本机提供 HTTP 与 websocket 接口，同时监听分享投递目录。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(ctx context.Context) error {
	return withApp(ctx, func(a *app.App) error {
		defer logger.Sync()

		srv := a.Server()

		go func() {
			if err := a.Library.WatchInbox(ctx, a.Config.InboxDir); err != nil {
				logger.Error("分享投递目录监听退出", logger.ErrorField(err))
			}
		}()
		go a.Bootstrap(ctx)

		fmt.Printf("本地桥接: http://%s/api/status\n", a.Config.ServerAddr)
		return srv.Run(ctx)
	})
}
