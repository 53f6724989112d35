package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/zybastuk/miniapp-metrics/internal/domain"
	"github.com/zybastuk/miniapp-metrics/internal/postgres"
)

// Registration is deliberately out of band: the API rejects unknown users,
// and this tool is how an operator adds them.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	godotenv.Load()

	var (
		databaseURL string
		telegramID  int64
		username    string
		team        string
		admin       bool
		unregister  bool
	)

	flag.StringVar(&databaseURL, "database-url", envOrDefault("DATABASE_URL", ""), "Postgres connection string")
	flag.Int64Var(&telegramID, "telegram-id", 0, "Telegram id of the user")
	flag.StringVar(&username, "username", "", "Telegram username (e.g. @someone)")
	flag.StringVar(&team, "team", "", "Team the user belongs to")
	flag.BoolVar(&admin, "admin", false, "Grant the admin flag within the team")
	flag.BoolVar(&unregister, "unregister", false, "Delete the user instead of registering")
	flag.Parse()

	if databaseURL == "" {
		return fmt.Errorf("--database-url is required (or set DATABASE_URL)")
	}
	if telegramID == 0 {
		return fmt.Errorf("--telegram-id is required")
	}

	repo, err := postgres.NewRepository(databaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := context.Background()

	if unregister {
		if err := repo.DeleteUser(ctx, telegramID); err != nil {
			return err
		}
		fmt.Printf("User %d unregistered\n", telegramID)
		return nil
	}

	if team == "" {
		return fmt.Errorf("--team is required for registering")
	}

	user := domain.User{
		TelegramID: telegramID,
		Username:   username,
		Team:       team,
		IsAdmin:    admin,
	}
	if err := repo.UpsertUser(ctx, user); err != nil {
		return err
	}

	fmt.Printf("User %d registered (team %s, admin %v)\n", telegramID, team, admin)
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
