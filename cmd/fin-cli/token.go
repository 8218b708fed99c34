package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"invoicefi/crypto"
	"invoicefi/gateway/middleware"
)

func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var subject, secretEnv, issuer, audience, scopes string
	var ttl time.Duration
	fs.StringVar(&subject, "subject", "", "caller address the token authenticates")
	fs.StringVar(&secretEnv, "secret-env", "FIN_AUTH_HMAC_SECRET", "environment variable holding the HMAC secret")
	fs.StringVar(&issuer, "issuer", "", "issuer claim")
	fs.StringVar(&audience, "audience", "", "audience claim")
	fs.StringVar(&scopes, "scopes", "financing:write", "comma separated scopes")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime; 0 disables expiry")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	caller, err := crypto.ParseAccount(subject)
	if err != nil {
		fmt.Fprintf(stderr, "Error: --subject: %v\n", err)
		return 1
	}
	secret := os.Getenv(strings.TrimSpace(secretEnv))
	if strings.TrimSpace(secret) == "" {
		fmt.Fprintf(stderr, "Error: %s is not set\n", secretEnv)
		return 1
	}
	var scopeList []string
	for _, s := range strings.Split(scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopeList = append(scopeList, s)
		}
	}
	token, err := middleware.IssueToken(secret, crypto.AccountAddress(caller).String(), issuer, audience, scopeList, ttl)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}
