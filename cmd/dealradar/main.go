package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	// Optional .env for local runs; real deployments use the environment.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dealradar",
		Short: "Watch classifieds searches for new listings and price drops",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(queriesCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(tokenCmd())

	return root
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "admin API port (default: from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admin API without the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "admin API port (default: from config)")
	return cmd
}

func queriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queries",
		Short: "List active search queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueries()
		},
	}
}

func checkCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run all active queries of one user immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(userID)
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id to run queries for")
	cmd.MarkFlagRequired("user")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		userID int64
		admin  bool
		ttl    string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(userID, admin, ttl)
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user id the token acts as")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	cmd.Flags().StringVar(&ttl, "ttl", "24h", "token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}
