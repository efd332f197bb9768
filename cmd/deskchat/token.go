package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/deskchat/deskchat/internal/auth"
	"github.com/deskchat/deskchat/internal/models"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Session token helpers for development",
	}

	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		configPath string
		email      string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token for an active user",
		Long:  "Prints a signed session token for the user, suitable for ?token= on the WebSocket URL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTokenIssue(cmd, configPath, email, ttl)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to deskchat config file")
	cmd.Flags().StringVar(&email, "email", "", "user email (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	cmd.MarkFlagRequired("email")
	return cmd
}

func runTokenIssue(cmd *cobra.Command, configPath, email string, ttl time.Duration) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}

	var u models.User
	err = gormDB.Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("no user with email %q", email)
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !u.Active {
		return fmt.Errorf("user %q is deactivated", email)
	}

	tokens, err := auth.NewTokens(auth.TokensOpts{Secret: cfg.Auth.Secret, TTL: ttl})
	if err != nil {
		return err
	}
	token, err := tokens.Issue(auth.Identity{
		UserID:    u.ID,
		Email:     u.Email,
		CompanyID: u.CompanyID,
		Role:      u.Role,
		Name:      u.Name,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
