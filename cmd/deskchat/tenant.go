package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deskchat/deskchat/internal/db"
	"github.com/deskchat/deskchat/internal/models"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants (companies)",
	}

	cmd.AddCommand(newTenantCreateCmd())
	cmd.AddCommand(newTenantListCmd())
	return cmd
}

func newTenantCreateCmd() *cobra.Command {
	var (
		configPath string
		name       string
		cnpj       string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantCreate(cmd, configPath, name, cnpj)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to deskchat config file")
	cmd.Flags().StringVar(&name, "name", "", "company name (required)")
	cmd.Flags().StringVar(&cnpj, "cnpj", "", "company registration number")
	cmd.MarkFlagRequired("name")
	return cmd
}

func runTenantCreate(cmd *cobra.Command, configPath, name, cnpj string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	co, err := db.CreateCompany(gormDB, name, cnpj)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created tenant %s\n", co.ID)
	fmt.Fprintf(out, "Name: %s\n", co.Name)
	fmt.Fprintf(out, "Plan: %s\n", co.Plan)
	return nil
}

func newTenantListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTenantList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to deskchat config file")
	return cmd
}

func runTenantList(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	var companies []models.Company
	if err := gormDB.Order("created_at, id").Find(&companies).Error; err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(companies) == 0 {
		fmt.Fprintln(out, "No tenants found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPLAN\tCREATED")
	for _, co := range companies {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", co.ID, co.Name, co.Plan, co.CreatedAt.Format("2006-01-02"))
	}
	return w.Flush()
}
