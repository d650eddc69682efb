// Package main implements bugscout-admin, the operator CLI for schema
// migration, project provisioning and event retention.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gosight/bugscout/internal/config"
	"github.com/gosight/bugscout/internal/storage"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath  string
	databaseURL string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config/bugscout.yaml"
	}

	root := &cobra.Command{
		Use:   "bugscout-admin",
		Short: "Administrative commands for BugScout",
		Long: `bugscout-admin manages the BugScout database: it applies the schema,
provisions projects and their API keys, and enforces event retention.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "database URL, overrides database.url")

	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newProjectCmd(opts))
	root.AddCommand(newCleanupCmd(opts))
	return root
}

// loadConfig reads the config file if present. A missing file falls back
// to defaults so the CLI works with --database-url alone.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	if o.databaseURL != "" {
		cfg.Database.URL = o.databaseURL
	}
	if cfg.Database.URL == "" {
		return nil, errors.New("database url not set: use --database-url or database.url in the config file")
	}
	return cfg, nil
}

func (o *rootOptions) openStore(ctx context.Context) (*storage.SQLStore, *config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
}

func newProjectCmd(opts *rootOptions) *cobra.Command {
	project := &cobra.Command{
		Use:   "project",
		Short: "Manage projects and their API keys",
	}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project and print its API key",
		Long: `Create a project and print its API key.

Examples:
  bugscout-admin project create --name storefront`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			p, err := store.CreateProject(ctx, name, storage.NewAPIKey())
			if err != nil {
				return fmt.Errorf("create project: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Project: %s\n", p.Name)
			fmt.Fprintf(out, "Project ID: %d\n", p.ID)
			fmt.Fprintf(out, "API Key: %s\n", p.APIKey)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "project name")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects with their API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			projects, err := store.ListProjects(ctx)
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No projects found. Run: bugscout-admin project create --name <name>")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tAPI KEY")
			for _, p := range projects {
				fmt.Fprintf(w, "%d\t%s\t%s\n", p.ID, p.Name, p.APIKey)
			}
			return w.Flush()
		},
	}

	project.AddCommand(create, list)
	return project
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete events older than the retention period",
		Long: `Delete events stored more than --days days ago. Sessions and issues are kept.

Examples:
  # Use retention.days from the config file (default 30)
  bugscout-admin cleanup

  # Keep one week
  bugscout-admin cleanup --days 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, cfg, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if !cmd.Flags().Changed("days") {
				days = cfg.Retention.Days
			}
			if days <= 0 {
				return fmt.Errorf("--days must be positive, got %d", days)
			}

			cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
			n, err := store.DeleteEventsBefore(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d events older than %d days\n", n, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default retention.days)")
	return cmd
}
