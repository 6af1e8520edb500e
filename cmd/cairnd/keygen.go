package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cairn-dev/cairn/pkg/auth"
	"github.com/cairn-dev/cairn/pkg/oracleauth"
)

// keygen subcommands mint the two credentials the deployment needs: derived
// per-oracle HMAC keys and operator JWTs. Both read their root secret from
// the environment so secrets never appear in argv.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "oracle":
		return runKeygenOracle(args[1:], stdout, stderr)
	case "token":
		return runKeygenToken(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown keygen subcommand: %s\n", args[0])
		return 2
	}
}

func runKeygenOracle(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen oracle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	oracleID := fs.String("oracle-id", "default", "oracle identity the key is derived for")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	master := os.Getenv("ORACLE_MASTER_KEY")
	if master == "" {
		_, _ = fmt.Fprintln(stderr, "ORACLE_MASTER_KEY is not set")
		return 1
	}
	key, err := oracleauth.DeriveKey([]byte(master), *oracleID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "derive key: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, hex.EncodeToString(key))
	return 0
}

func runKeygenToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("subject", "", "principal the token identifies")
	roles := fs.String("roles", auth.RoleOperator, "comma-separated roles")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		_, _ = fmt.Fprintln(stderr, "--subject is required")
		return 2
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		_, _ = fmt.Fprintln(stderr, "JWT_SECRET is not set")
		return 1
	}
	validator := auth.NewJWTValidator([]byte(secret))
	token, err := validator.IssueToken(*subject, strings.Split(*roles, ","), *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "issue token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
