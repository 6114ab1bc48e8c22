// cmd/genflow-migrate/main.go
package main

import (
	"fmt"
	"os"

	"github.com/ignatij/genflow/internal/config"
	internal_storage "github.com/ignatij/genflow/internal/storage"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "genflow-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		connStr, _ := cmd.Flags().GetString("db")
		source, _ := cmd.Flags().GetString("source")
		if connStr == "" {
			// Fall back to DATABASE_URL or the DB_* variables, after .env
			cfg, err := config.Load()
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				os.Exit(1)
			}
			connStr, err = cfg.DB.ConnString()
			if err != nil {
				fmt.Printf("Error: --db flag or %v\n", err)
				os.Exit(1)
			}
		}

		if err := internal_storage.Migrate(source, connStr); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	migrateCmd.Flags().String("source", "file://migrations", "Migrations source URL")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
