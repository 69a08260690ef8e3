package cmd

import (
	"fmt"

	"Prerelease/cache"
	"Prerelease/config"

	"github.com/spf13/cobra"
)

var redisOwner string

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试分享交换使用的 Redis 是否可用，并进行基本读写操作。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("开始测试Redis连接...")

		cfg := config.Load()
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		client, err := cache.ConnectRedis(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("无法连接到Redis: %w", err)
		}
		defer client.Close()
		fmt.Println("Redis连接成功！")

		fmt.Println("开始测试Redis基本操作...")
		if err := cache.Probe(cmd.Context(), client); err != nil {
			return fmt.Errorf("Redis操作测试失败: %w", err)
		}
		fmt.Println("Redis基本操作测试成功！")

		if redisOwner != "" {
			ids, err := cache.NewShareExchange(client, cfg.ShareTTL).PublishedBy(cmd.Context(), redisOwner)
			if err != nil {
				return err
			}
			fmt.Printf("%s 发布中的分享: %d\n", redisOwner, len(ids))
			for _, id := range ids {
				fmt.Println("  " + id)
			}
		}
		return nil
	},
}

func init() {
	redisCmd.Flags().StringVar(&redisOwner, "owner", "", "列出该资料 ID 仍在发布中的分享")
	rootCmd.AddCommand(redisCmd)
}
