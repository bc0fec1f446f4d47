package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/idp/internal/config"
	"github.com/example/idp/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dir string
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the PostgreSQL schema",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&dir, "dir", "", "migrations directory (defaults to MIGRATIONS_DIR)")

	withMigrator := func(fn func(*store.Migrator) error) error {
		cfg, err := config.New()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		if cfg.DBAdapter != "postgres" {
			return fmt.Errorf("migrations only work with PostgreSQL. Current adapter: %s", cfg.DBAdapter)
		}
		dsn, err := cfg.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("PostgreSQL config error: %w", err)
		}
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		g, err := store.NewMigrator(dir, dsn)
		if err != nil {
			return err
		}
		defer g.Close()
		return fn(g)
	}

	var steps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(func(g *store.Migrator) error {
				if err := g.Up(steps); err != nil {
					return err
				}
				cmd.Println("✓ Migrations applied successfully")
				return nil
			})
		},
	}
	up.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply (0 = all)")

	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(func(g *store.Migrator) error {
				if err := g.Down(steps); err != nil {
					return err
				}
				cmd.Println("✓ Migrations rolled back successfully")
				return nil
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back (0 = all)")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(func(g *store.Migrator) error {
				v, dirty, err := g.Version()
				if err != nil {
					return fmt.Errorf("failed to get version: %w", err)
				}
				if dirty {
					return fmt.Errorf("database is in a dirty state (version %d)", v)
				}
				cmd.Printf("Current migration version: %d\n", v)
				return nil
			})
		},
	}

	var target uint
	force := &cobra.Command{
		Use:   "force",
		Short: "Set the schema version without running migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target == 0 {
				return errors.New("version required for force command (use --version)")
			}
			return withMigrator(func(g *store.Migrator) error {
				if err := g.Force(int(target)); err != nil {
					return err
				}
				cmd.Printf("✓ Forced database to version %d\n", target)
				return nil
			})
		},
	}
	force.Flags().UintVar(&target, "version", 0, "target version")

	root.AddCommand(up, down, version, force)
	return root
}
