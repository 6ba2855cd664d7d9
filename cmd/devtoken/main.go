// Command devtoken issues a bearer token for local testing.
//
// Usage:
//
//	go run ./cmd/devtoken -sub cus_1 -role customer
//	go run ./cmd/devtoken -sub fl_1 -role freelancer -ttl 24h
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/servicedesk/internal/auth"
	"github.com/mbd888/servicedesk/internal/config"
)

func main() {
	sub := flag.String("sub", "", "subject (user id)")
	role := flag.String("role", string(auth.RoleCustomer), "customer, freelancer or admin")
	email := flag.String("email", "", "email claim")
	name := flag.String("name", "", "name claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	issuer := os.Getenv("JWT_ISSUER")
	if issuer == "" {
		issuer = config.DefaultJWTIssuer
	}

	token, err := auth.NewTokenManager(secret, issuer).Issue(auth.Identity{
		ID:    *sub,
		Role:  auth.Role(*role),
		Email: *email,
		Name:  *name,
	}, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(token)
}
