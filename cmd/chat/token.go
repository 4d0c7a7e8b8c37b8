package main

import (
	"errors"
	"fmt"

	"pai-smart-chat/internal/config"
	"pai-smart-chat/pkg/token"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		username   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a chat token signed with the configured secret",
		Long:  "Signs a JWT for the given user with jwt.secret from the config file. Intended for local development.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, configPath, userID, username)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./configs/config.yaml", "path to config file")
	cmd.Flags().StringVar(&userID, "user", "", "user ID to embed in the token (required)")
	cmd.Flags().StringVar(&username, "name", "", "display name to embed in the token")
	return cmd
}

func runToken(cmd *cobra.Command, configPath, userID, username string) error {
	if userID == "" {
		return errors.New("--user is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.JWT.Secret == "" {
		return errors.New("jwt.secret is not configured")
	}
	if username == "" {
		username = userID
	}
	tok, err := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours).GenerateToken(userID, username)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
