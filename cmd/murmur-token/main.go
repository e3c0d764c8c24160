// murmur-token is dev tooling for feed service tokens.
//
//	murmur-token keygen              print a fresh secret and public key
//	murmur-token issue <user_id>     print a signed token (needs MURMUR_TOKEN_SECRET_KEY_HEX)
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"murmur/cmd/security/token"

	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("murmur-token", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	ttl := fs.Duration("ttl", 0, "token lifetime (default: MURMUR_TOKEN_TTL or 12h)")
	verbose := fs.BoolP("verbose", "v", false, "print claims to stderr")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, "Usage:\n  murmur-token keygen\n  murmur-token issue [flags] <user_id>\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	switch rest[0] {
	case "keygen":
		secret := token.GenerateSecretKeyHex()
		cfg := token.DefaultConfig()
		cfg.SecretKeyHex = secret
		m, err := token.NewManager(cfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "MURMUR_TOKEN_SECRET_KEY_HEX=%s\nMURMUR_TOKEN_PUBLIC_KEY_HEX=%s\n", secret, m.PublicKeyHex())
		return 0

	case "issue":
		if len(rest) != 2 {
			fs.Usage()
			return 2
		}
		cfg, err := token.FromEnv()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		if *ttl > 0 {
			cfg.TTL = *ttl
		}
		m, err := token.NewManager(cfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		tok, claims, err := m.Issue(rest[1], time.Now().UTC())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		if *verbose {
			_, _ = fmt.Fprintf(stderr, "user=%s session=%s expires=%s\n", claims.UserID, claims.SessionID, claims.ExpiresAt.Format(time.RFC3339))
		}
		_, _ = fmt.Fprintln(stdout, tok)
		return 0

	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		fs.Usage()
		return 2
	}
}
