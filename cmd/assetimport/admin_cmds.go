package main

import (
	"fmt"
	"os"

	"github.com/rpattn/assetimport/internal/db"
	"github.com/rpattn/assetimport/internal/domain"
	"github.com/rpattn/assetimport/internal/schema"

	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return db.RunMigrations(a.cfg.Database, a.log)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return db.RollbackMigrations(a.cfg.Database, steps, a.log)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to revert")
	cmd.AddCommand(down)
	return cmd
}

func newSchemaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage classification codes and their field sets",
	}

	var file string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Create or update classification codes from a YAML catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			codes, err := schema.LoadCatalog(f)
			if err != nil {
				return fmt.Errorf("load %s: %w", file, err)
			}

			st, err := a.openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer st.close()
			saved, err := st.registry.Apply(cmd.Context(), codes)
			if err != nil {
				return err
			}
			for _, code := range saved {
				fmt.Fprintf(cmd.OutOrStdout(), "%s v%d (%d fields)\n", code.Code, code.Version, len(code.Fields))
			}
			return nil
		},
	}
	apply.Flags().StringVarP(&file, "file", "f", "", "Catalog file (required)")
	_ = apply.MarkFlagRequired("file")

	show := &cobra.Command{
		Use:   "show CODE",
		Short: "Print the field definitions of a classification code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer st.close()
			fields, err := st.registry.Definitions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), fields)
		},
	}

	cmd.AddCommand(apply, show)
	return cmd
}

func newMappingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Column mapping helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default column mapping as JSON, a starting point for --mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), domain.DefaultColumnMapping())
		},
	})
	return cmd
}
