// Command gentoken mints HS256 bearer tokens for exercising a gateway that
// has auth enabled. It is a development tool; production tokens come from a
// real issuer.
//
//	TOKEN=$(go run ./cmd/gentoken -secret dev-secret -tenant team-a)
//	curl -H "Authorization: Bearer $TOKEN" localhost:8080/v1/providers
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	var (
		sub      = flag.String("sub", "dev-user", "subject claim")
		issuer   = flag.String("issuer", "llm-gateway-issuer", "issuer claim")
		audience = flag.String("audience", "llm-gateway", "audience claim")
		scope    = flag.String("scope", "llm:invoke", "space-separated scope claim")
		tenant   = flag.String("tenant", "", "tenant claim; empty omits it")
		ttl      = flag.Duration("ttl", 2*time.Hour, "token lifetime")
		secret   = flag.String("secret", os.Getenv("GATEWAY_JWT_SECRET"), "HMAC signing secret (defaults to $GATEWAY_JWT_SECRET)")
	)
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: no signing secret; pass -secret or set GATEWAY_JWT_SECRET")
		os.Exit(1)
	}

	claims := jwt.MapClaims{
		"sub":   *sub,
		"iss":   *issuer,
		"aud":   *audience,
		"exp":   time.Now().Add(*ttl).Unix(),
		"scope": *scope,
	}
	if *tenant != "" {
		claims["tenant"] = *tenant
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(*secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}
