// Seeds the first admin user. Run once against a fresh database:
//
//	ADMIN_USERNAME=admin ADMIN_PASSWORD=... go run ./cmd/seed-admin
package main

import (
	"context"
	"log"
	"os"

	"github.com/oknaservice/dispatch_backend/config"
	"github.com/oknaservice/dispatch_backend/models"
)

func main() {
	username := os.Getenv("ADMIN_USERNAME")
	password := os.Getenv("ADMIN_PASSWORD")
	name := os.Getenv("ADMIN_NAME")
	if username == "" || password == "" {
		log.Fatal("ADMIN_USERNAME and ADMIN_PASSWORD are required")
	}
	if name == "" {
		name = "Administrator"
	}

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	if _, err := models.GetUserByUsername(ctx, username); err == nil {
		log.Fatalf("user %q already exists", username)
	}

	user, err := models.CreateUser(ctx, &models.NewUser{
		Name:     name,
		Role:     string(models.UserRoleAdmin),
		Username: username,
		Password: password,
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("created admin user id=%d username=%s", user.ID, username)
}
