package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"Prerelease/core/sharing"
	"Prerelease/internal/app"
	"Prerelease/model"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var (
	albumSharedOnly bool
	albumPermission string
	albumOutput     string
)

var albumCmd = &cobra.Command{
	Use:   "album",
	Short: "预览专辑管理",
}

var albumListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出本机专辑",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			a.Bootstrap(cmd.Context())

			albums := a.Library.Albums()
			if albumSharedOnly {
				albums = a.Library.SharedWithMe()
			}
			if len(albums) == 0 {
				fmt.Println("没有专辑")
				return nil
			}

			me := a.Profiles.CurrentID()
			for _, album := range albums {
				tag := "本地"
				switch {
				case sharing.IsSharedWithCurrentUser(album, me):
					tag = "来自 @" + album.OwnerUsername
				case sharing.IsShared(album):
					tag = "已分享 (" + string(album.SharePermissions) + ")"
				}
				total := lo.Reduce(album.Songs, func(sum float64, s model.Song, _ int) float64 { return sum + s.Duration }, 0)
				fmt.Printf("%s  %-30s %-20s %2d 首 %8s  [%s]\n",
					album.ID, album.Title, album.Artist, len(album.Songs),
					(time.Duration(total) * time.Second).String(), tag)
			}
			return nil
		})
	},
}

var albumShareCmd = &cobra.Command{
	Use:   "share <albumId>",
	Short: "分享专辑，输出可以交给接收者的 JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			if st := a.Bootstrap(cmd.Context()); st.NeedsSetup() {
				return model.ErrNoProfile
			}

			enc, err := a.Library.Share(cmd.Context(), args[0], model.SharePermission(albumPermission))
			if enc == nil {
				return err
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "发布到分享交换失败，仍可手动发送: %v\n", err)
			}

			if albumOutput != "" {
				data, err := json.MarshalIndent(enc, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(albumOutput, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("已写入 %s (shareId %s)\n", albumOutput, enc.ShareID)
				return nil
			}
			return printJSON(enc)
		})
	},
}

var albumImportCmd = &cobra.Command{
	Use:   "import <shareId|file.json>",
	Short: "导入别人分享的专辑",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			ctx := cmd.Context()
			a.Bootstrap(ctx)

			var (
				album *model.Album
				err   error
			)
			if filepath.Ext(args[0]) == ".json" {
				data, rerr := os.ReadFile(args[0])
				if rerr != nil {
					return rerr
				}
				var enc model.EncodableAlbum
				if err := json.Unmarshal(data, &enc); err != nil {
					return fmt.Errorf("解析分享文件失败: %w", err)
				}
				album, err = a.Library.Import(ctx, &enc)
			} else {
				album, err = a.Library.ImportShare(ctx, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("已导入 %s - %s (%d 首)\n", album.Title, album.Artist, len(album.Songs))
			return nil
		})
	},
}

func init() {
	albumListCmd.Flags().BoolVar(&albumSharedOnly, "shared-with-me", false, "只显示别人分享给我的专辑")
	albumShareCmd.Flags().StringVarP(&albumPermission, "permission", "p", string(model.PermissionReadOnly), "接收者权限: read_only 或 reshare")
	albumShareCmd.Flags().StringVarP(&albumOutput, "output", "o", "", "把分享 JSON 写入文件")

	albumCmd.AddCommand(albumListCmd, albumShareCmd, albumImportCmd)
	rootCmd.AddCommand(albumCmd)
}
