package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"Prerelease/config"
	"Prerelease/internal/app"

	"github.com/spf13/cobra"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "prerelease",
	Short: "Prerelease 本地资料与预览专辑服务",
	Long:  `管理本机艺人资料、启动同步与预览专辑分享。不带子命令时启动本地桥接服务。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dataDir != "" {
			return os.Setenv("PRERELEASE_DATA_DIR", dataDir)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "本地数据目录（默认使用 PRERELEASE_DATA_DIR 或用户配置目录）")
}

// Execute executes the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp 加载配置、初始化日志并打开应用，fn 返回后释放
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg := config.Load()
	if err := app.InitLogger(cfg); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
