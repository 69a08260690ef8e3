package cmd

import (
	"errors"
	"fmt"
	"os"

	"Prerelease/core/profile"
	"Prerelease/internal/app"
	"Prerelease/model"

	"github.com/spf13/cobra"
)

var (
	profileArtist string
	profileBio    string
	profileImage  string
	profileName   string
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "查看和管理本机资料",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			p, err := a.Profiles.LoadLocal(cmd.Context())
			if err != nil {
				return err
			}
			if p == nil {
				return model.ErrNoProfile
			}
			return printJSON(p)
		})
	},
}

var profileCheckCmd = &cobra.Command{
	Use:   "check <username>",
	Short: "检查用户名格式与可用性",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			if _, err := a.Profiles.LoadLocal(cmd.Context()); err != nil && !errors.Is(err, model.ErrCorruptLocalState) {
				return err
			}
			res, err := a.Profiles.CheckUsernameAvailability(cmd.Context(), args[0])
			if perr := printJSON(res); perr != nil {
				return perr
			}
			if err != nil && !model.IsValidationError(err) && !errors.Is(err, model.ErrConflict) {
				return err
			}
			return nil
		})
	},
}

var profileCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "首次设置：创建本机资料",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			ctx := cmd.Context()
			if st := a.Bootstrap(ctx); !st.NeedsSetup() {
				return model.ErrProfileAlreadyExists
			}

			var bio *string
			if cmd.Flags().Changed("bio") {
				bio = &profileBio
			}
			image, err := readImage(profileImage)
			if err != nil {
				return err
			}

			p, err := a.Profiles.CreateProfile(ctx, args[0], profileArtist, bio, image)
			if err != nil {
				return err
			}
			if _, err := a.Orchestrator.CompleteSetup(ctx); err != nil {
				return err
			}
			return printJSON(p)
		})
	},
}

var profileUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "修改本机资料",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			ctx := cmd.Context()
			if st := a.Bootstrap(ctx); st.NeedsSetup() {
				return model.ErrNoProfile
			}

			var upd profile.ProfileUpdate
			if cmd.Flags().Changed("username") {
				upd.Username = &profileName
			}
			if cmd.Flags().Changed("artist") {
				upd.ArtistName = &profileArtist
			}
			if cmd.Flags().Changed("bio") {
				upd.Bio = &profileBio
			}

			p, err := a.Profiles.UpdateProfile(ctx, upd)
			if err != nil {
				return err
			}
			return printJSON(p)
		})
	},
}

func readImage(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取头像失败: %w", err)
	}
	return data, nil
}

func init() {
	profileCreateCmd.Flags().StringVar(&profileArtist, "artist", "", "艺人名（2-50 个字符）")
	profileCreateCmd.Flags().StringVar(&profileBio, "bio", "", "简介")
	profileCreateCmd.Flags().StringVar(&profileImage, "image", "", "头像图片路径")
	_ = profileCreateCmd.MarkFlagRequired("artist")

	profileUpdateCmd.Flags().StringVar(&profileName, "username", "", "新用户名")
	profileUpdateCmd.Flags().StringVar(&profileArtist, "artist", "", "新艺人名")
	profileUpdateCmd.Flags().StringVar(&profileBio, "bio", "", "新简介")

	profileCmd.AddCommand(profileCheckCmd, profileCreateCmd, profileUpdateCmd)
	rootCmd.AddCommand(profileCmd)
}
