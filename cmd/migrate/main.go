package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"quote-backfill-service/internal/config"
	"quote-backfill-service/internal/database"
	"quote-backfill-service/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Parse command line flags
	var command = flag.String("command", "up", "Migration command: up, status")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	appLogger, _, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}

	// Connect to database
	db, err := database.Connect(ctx, cfg.Database, appLogger)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	migrator := database.NewMigrator(db, appLogger)

	// Execute command
	switch *command {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal("Migration failed:", err)
		}
		log.Println("Migrations completed successfully")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			log.Fatal("Status check failed:", err)
		}
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%03d  %-40s %s\n", s.Version, s.Name, state)
		}

	default:
		log.Printf("Unknown command: %s", *command)
		log.Println("Available commands: up, status")
		os.Exit(1)
	}
}
