package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/deskchat/deskchat/internal/auth"
	"github.com/deskchat/deskchat/internal/models"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserSetActiveCmd("deactivate", false))
	cmd.AddCommand(newUserSetActiveCmd("activate", true))
	return cmd
}

type userCreateOpts struct {
	name      string
	email     string
	password  string
	companyID string
	company   string
	role      string
}

func newUserCreateCmd() *cobra.Command {
	var (
		configPath string
		opts       userCreateOpts
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user in an existing or new tenant",
		Long: `Creates a user. Pass --company-id to join an existing tenant, or
--company to create a new one. When --password is omitted the password is
prompted for on a terminal, or read from the first line of stdin otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserCreate(cmd, configPath, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to deskchat config file")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&opts.email, "email", "", "login email (required)")
	cmd.Flags().StringVar(&opts.password, "password", "", "password (prompted when omitted)")
	cmd.Flags().StringVar(&opts.companyID, "company-id", "", "existing tenant id")
	cmd.Flags().StringVar(&opts.company, "company", "", "name of a new tenant to create")
	cmd.Flags().StringVar(&opts.role, "role", models.RoleAgent, "role: agent or contact")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("email")
	return cmd
}

func runUserCreate(cmd *cobra.Command, configPath string, opts userCreateOpts) error {
	if opts.companyID != "" && opts.company != "" {
		return fmt.Errorf("--company-id and --company are mutually exclusive")
	}

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	password := opts.password
	if password == "" {
		password, err = readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
	}

	tokens, err := auth.NewTokens(auth.TokensOpts{Secret: cfg.Auth.Secret, TTL: cfg.Auth.TokenTTL})
	if err != nil {
		return err
	}
	svc, err := auth.NewService(auth.ServiceOpts{DB: gormDB, Tokens: tokens, BcryptCost: cfg.Auth.BcryptCost})
	if err != nil {
		return err
	}

	sess, err := svc.Register(context.Background(), auth.RegisterInput{
		Name:        opts.name,
		Email:       opts.email,
		Password:    password,
		CompanyID:   opts.companyID,
		CompanyName: opts.company,
		Role:        opts.role,
	})
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created user %s\n", sess.User.ID)
	fmt.Fprintf(out, "Email:  %s\n", sess.User.Email)
	fmt.Fprintf(out, "Role:   %s\n", sess.User.Role)
	fmt.Fprintf(out, "Tenant: %s (%s)\n", sess.User.Company.Name, sess.User.CompanyID)
	return nil
}

// readPassword prompts without echo when in is the process terminal and
// falls back to reading one line otherwise.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return "", fmt.Errorf("read password: no input")
	}
	return strings.TrimRight(scanner.Text(), "\r"), nil
}

func newUserSetActiveCmd(use string, active bool) *cobra.Command {
	var (
		configPath string
		email      string
	)

	short := "Deactivate a user; open sessions fail on their next handshake"
	if active {
		short = "Re-activate a deactivated user"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserSetActive(cmd, configPath, email, active)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to deskchat config file")
	cmd.Flags().StringVar(&email, "email", "", "user email (required)")
	cmd.MarkFlagRequired("email")
	return cmd
}

func runUserSetActive(cmd *cobra.Command, configPath, email string, active bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokens(auth.TokensOpts{Secret: cfg.Auth.Secret, TTL: cfg.Auth.TokenTTL})
	if err != nil {
		return err
	}
	svc, err := auth.NewService(auth.ServiceOpts{DB: gormDB, Tokens: tokens})
	if err != nil {
		return err
	}

	if err := svc.SetActive(context.Background(), email, active); err != nil {
		return err
	}

	state := "deactivated"
	if active {
		state = "activated"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %s %s\n", email, state)
	return nil
}
