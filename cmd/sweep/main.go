/*
main.go - One-shot expiry sweep

PURPOSE:
  Triggers POST /api/admin/expire on a running server, for deployments
  that schedule sweeps externally (cron, Kubernetes CronJob) instead of
  using the in-process scheduler.

AUTH:
  Uses -token if given. Otherwise mints a short-lived ADMIN token for
  SYSTEM_ACTOR_ID with JWT_SECRET, so the EXPIRED entries are attributed
  to the system actor.

EXIT CODES:
  0 sweep completed, 1 request failed, 2 bad usage

EXAMPLES:
  MEDSTOCK_URL=http://localhost:8080 JWT_SECRET=... SYSTEM_ACTOR_ID=system ./sweep
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/medstock/api"
	"github.com/warp/medstock/client"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "sweep: load .env:", err)
		os.Exit(2)
	}

	baseURL := flag.String("url", envOr("MEDSTOCK_URL", "http://localhost:8080"), "server base URL")
	token := flag.String("token", os.Getenv("MEDSTOCK_TOKEN"), "bearer token with ADMIN role")
	timeout := flag.Duration("timeout", 5*time.Minute, "request timeout")
	flag.Parse()

	if *token == "" {
		secret, actor := os.Getenv("JWT_SECRET"), os.Getenv("SYSTEM_ACTOR_ID")
		if secret == "" || actor == "" {
			fmt.Fprintln(os.Stderr, "sweep: need -token, or JWT_SECRET and SYSTEM_ACTOR_ID")
			os.Exit(2)
		}
		minted, err := api.NewAuthenticator(secret, 10*time.Minute).IssueToken(actor, api.RoleAdmin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "sweep: issue token:", err)
			os.Exit(2)
		}
		*token = minted
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := client.New(*baseURL, *token, client.WithTimeout(*timeout))
	res, err := c.Expire(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sweep:", err)
		os.Exit(1)
	}
	fmt.Printf("expired %d batches, %d units\n", res.Count, res.TotalExpiredUnits)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
