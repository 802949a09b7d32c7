//go:build ignore

// generate-jwt.go - Mint an API token for the coordinator
//
// Usage:
//   go run scripts/generate-jwt.go -config config.yaml -wallet 0xabc... -role buyer
//
// The token is signed with auth.secret from the config file and carries the
// wallet address operations are attributed to.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/peertrade/escrow-coordinator/pkg/auth"
	"github.com/peertrade/escrow-coordinator/pkg/config"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	wallet := flag.String("wallet", "", "Wallet address the token acts as")
	role := flag.String("role", "", "Role claim (buyer, seller, arbitrator)")
	flag.Parse()

	if *wallet == "" {
		fmt.Fprintln(os.Stderr, "-wallet is required")
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Secret == "" {
		fmt.Fprintln(os.Stderr, "auth.secret is not set; the API accepts unauthenticated requests")
		os.Exit(1)
	}

	authn := auth.New(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenTTL.Std())
	tok, err := authn.IssueToken(*wallet, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(tok)
}
