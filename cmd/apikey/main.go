package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/repository"
	"github.com/ManuelReschke/storekeeper/internal/pkg/database"
	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
)

func main() {
	env.SetupEnvFile()

	if len(os.Args) < 3 {
		printUsage()
		os.Exit(1)
	}
	userID, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil || userID == 0 {
		log.Fatalf("Invalid user id %q", os.Args[2])
	}

	database.SetupDatabase()
	users := repository.NewUserRepository(database.GetDB())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "issue":
		raw, settings, err := users.IssueAPIKey(ctx, uint(userID))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Fatalf("User %d does not exist", userID)
		}
		if err != nil {
			log.Fatalf("Issuing key failed: %v", err)
		}
		log.Printf("Issued key %s... for user %d; previous keys no longer work", settings.APIKeyPrefix, userID)
		// the only place the raw key is ever shown
		fmt.Println(raw)

	case "revoke":
		revoked, err := users.RevokeAPIKey(ctx, uint(userID))
		if err != nil {
			log.Fatalf("Revoking key failed: %v", err)
		}
		if !revoked {
			log.Printf("User %d has no active key", userID)
			return
		}
		log.Printf("Key for user %d revoked", userID)

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: go run ./cmd/apikey [command] [user id]")
	fmt.Println("Commands:")
	fmt.Println("  issue  - create or rotate the user's API key and print it once")
	fmt.Println("  revoke - disable the user's API key")
}
