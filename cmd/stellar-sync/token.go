package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/prabhask5/stellar-sub000/internal/api"
)

func runToken(args []string) {
	cfg := api.LoadConfig()

	fs := pflag.NewFlagSet("token", pflag.ExitOnError)
	user := fs.StringP("user", "u", "", "user id to mint the token for")
	ttl := fs.Duration("ttl", cfg.TokenTTL, "token lifetime")
	secret := fs.String("secret", cfg.JWTSecret, "signing secret (default: STELLAR_SERVER_JWT_SECRET)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: stellar-sync token --user <id> [--ttl 720h]")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "error: --user is required")
		fs.Usage()
		os.Exit(1)
	}
	if *ttl <= 0 {
		*ttl = 30 * 24 * time.Hour
	}

	tok, err := api.IssueToken([]byte(*secret), *user, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
