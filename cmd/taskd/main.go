package main

import (
	"fmt"
	"os"

	"github.com/ModerRAS/taskd/internal/cli"
	taskdhttp "github.com/ModerRAS/taskd/internal/http"
	"github.com/ModerRAS/taskd/internal/log"
	internal_storage "github.com/ModerRAS/taskd/internal/storage"
	"github.com/ModerRAS/taskd/pkg/service"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "Persistent task queue server and operator CLI",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP task server",
	Run: func(cmd *cobra.Command, args []string) {
		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			fmt.Fprintln(os.Stderr, "Error: --db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
			os.Exit(1)
		}
		port, _ := cmd.Flags().GetString("port")
		lockModeStr, _ := cmd.Flags().GetString("lock-mode")
		lockMode, err := internal_storage.ParseLockMode(lockModeStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		lockTimeout, _ := cmd.Flags().GetDuration("lock-timeout")

		store, err := internal_storage.InitStore(connStr,
			internal_storage.WithLockMode(lockMode),
			internal_storage.WithLockTimeout(lockTimeout))
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		var opts []service.Option
		if attempts, _ := cmd.Flags().GetInt("acquire-attempts"); attempts > 0 {
			opts = append(opts, service.WithAcquireAttempts(attempts))
		}
		if cmd.Flags().Changed("prompt-threshold") {
			threshold, _ := cmd.Flags().GetFloat64("prompt-threshold")
			opts = append(opts, service.WithPromptMatchThreshold(threshold))
		}
		if err := taskdhttp.StartServer(port, store, opts...); err != nil {
			log.GetLogger().Errorf("Server stopped: %v", err)
			os.Exit(1)
		}
	},
}

// defaultConnStr assembles a connection string from DB_* env vars so --db
// stays optional in containerized deployments.
func defaultConnStr() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file loaded: %v", err)
	}
	rootCmd.PersistentFlags().String("db", defaultConnStr(),
		"Database connection string (defaults from DB_* env vars)")
	serveCmd.Flags().String("port", "8080", "HTTP listen port")
	serveCmd.Flags().String("lock-mode", string(internal_storage.LockOptimistic),
		"acquisition locking: optimistic or pessimistic")
	serveCmd.Flags().Duration("lock-timeout", internal_storage.DefaultLockTimeout,
		"per-transaction row lock timeout")
	serveCmd.Flags().Int("acquire-attempts", service.DefaultAcquireAttempts,
		"attempt budget of the acquisition loop")
	serveCmd.Flags().Float64("prompt-threshold", service.DefaultPromptMatchThreshold,
		"completion prompt similarity threshold, 0 disables the guard")
	cli.SetupCLI(rootCmd)
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
