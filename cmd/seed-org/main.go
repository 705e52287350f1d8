// seed-org creates an organization with a crew PIN and an admin user, and prints
// an admin session token for local development.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... REDIS_ADDRESS=... \
//	  go run ./cmd/seed-org --name "Acme Foam" --pin 1234 --username admin
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sprayworks/foam_backend/config"
	"github.com/sprayworks/foam_backend/models"
	"github.com/sprayworks/foam_backend/utils"
	"gorm.io/gorm"
)

func main() {
	name := flag.String("name", "", "Required: organization name")
	pin := flag.String("pin", "", "Required: crew PIN (4-12 digits)")
	username := flag.String("username", "", "Required: admin username")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of the printed admin session token")
	flag.Parse()

	if strings.TrimSpace(*name) == "" || strings.TrimSpace(*pin) == "" || strings.TrimSpace(*username) == "" {
		fmt.Fprintln(os.Stderr, "--name, --pin and --username are required")
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable(db)
	ctx = utils.SystemContext(ctx)

	var org models.Organization
	err := db.WithContext(ctx).Where("name = ?", strings.TrimSpace(*name)).Take(&org).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		created, err := models.CreateOrganization(ctx, db, &models.NewOrganization{Name: *name, CrewPin: *pin})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create organization: %v\n", err)
			os.Exit(1)
		}
		org = *created
		fmt.Printf("Created organization %q id=%s\n", org.Name, org.ID)
	case err != nil:
		fmt.Fprintf(os.Stderr, "failed to lookup organization: %v\n", err)
		os.Exit(1)
	default:
		fmt.Printf("Organization %q already exists id=%s\n", org.Name, org.ID)
	}

	var user models.User
	err = db.WithContext(ctx).Where("username = ?", *username).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = models.User{OrganizationId: org.ID, Username: *username, Name: *username, IsActive: utils.NewTrue()}
		if err := db.WithContext(ctx).Create(&user).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created admin user %q\n", user.Username)
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
		os.Exit(1)
	} else if user.OrganizationId != org.ID {
		fmt.Fprintf(os.Stderr, "user %q belongs to another organization\n", user.Username)
		os.Exit(1)
	}

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	config.ConnectRedisWithRetry(rctx)
	if config.GetRedisDB() == nil {
		fmt.Fprintln(os.Stderr, "redis unavailable; no session token issued")
		os.Exit(2)
	}
	_ = user.RemoveInstanceRedis(ctx)
	token := uuid.NewString()
	if err := config.SetRedisValue(ctx, "Token:"+token, user.Username, *tokenTTL); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store session token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Admin session token (valid %s): %s\n", tokenTTL.String(), token)
}
