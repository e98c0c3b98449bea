// Command issue-session mints a session token for a username against the
// configured session store, for operators and local testing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"openvideo/internal/auth"
	"openvideo/internal/pipeline"
)

func main() {
	var (
		user        string
		driver      string
		postgresDSN string
		redisAddr   string
		redisPass   string
		ttl         time.Duration
	)

	flag.StringVar(&user, "user", "", "Username the session is issued for")
	flag.StringVar(&driver, "session-store", "", "Session store driver (postgres or redis)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string for the session store")
	flag.StringVar(&redisAddr, "redis-addr", "", "Redis address for the session store")
	flag.StringVar(&redisPass, "redis-password", "", "Redis password")
	flag.DurationVar(&ttl, "ttl", 24*time.Hour, "Session lifetime")
	flag.Parse()

	driver = firstNonEmpty(driver, os.Getenv("OPENVIDEO_SESSION_STORE"))
	postgresDSN = firstNonEmpty(postgresDSN, os.Getenv("OPENVIDEO_SESSION_POSTGRES_DSN"), os.Getenv("OPENVIDEO_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	redisAddr = firstNonEmpty(redisAddr, os.Getenv("OPENVIDEO_REDIS_ADDR"))
	redisPass = firstNonEmpty(redisPass, os.Getenv("OPENVIDEO_REDIS_PASSWORD"))
	if driver == "" {
		switch {
		case postgresDSN != "":
			driver = "postgres"
		case redisAddr != "":
			driver = "redis"
		}
	}

	store, closeStore, err := openSessionStore(driver, postgresDSN, redisAddr, redisPass)
	if err != nil {
		fatalf("open session store: %v", err)
	}
	defer closeStore()

	if err := issueSession(os.Stdout, store, user, ttl); err != nil {
		fatalf("issue session: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// openSessionStore opens a store the API server can read. The in-memory store
// is refused since a token minted there would vanish with this process.
func openSessionStore(driver, postgresDSN, redisAddr, redisPassword string) (auth.SessionStore, func(), error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		if postgresDSN == "" {
			return nil, nil, errors.New("--postgres-dsn is required for the postgres store")
		}
		store, err := auth.NewPostgresSessionStore(postgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(ctx)
		}, nil
	case "redis":
		if redisAddr == "" {
			return nil, nil, errors.New("--redis-addr is required for the redis store")
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(redisAddr, ","),
			Password: redisPassword,
		})
		return auth.NewRedisSessionStore(client, ""), func() { _ = client.Close() }, nil
	case "":
		return nil, nil, errors.New("no session store configured: pass --session-store postgres or redis")
	default:
		return nil, nil, fmt.Errorf("unsupported session store %q", driver)
	}
}

func issueSession(out io.Writer, store auth.SessionStore, user string, ttl time.Duration) error {
	user = strings.TrimSpace(user)
	if user == "" {
		return errors.New("--user is required")
	}
	if !pipeline.ValidOwner(user) {
		return fmt.Errorf("%q is not a valid upload owner", user)
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	sessions := auth.NewSessionManager(ttl, auth.WithStore(store))
	if err := sessions.Ping(context.Background()); err != nil {
		return fmt.Errorf("session store unreachable: %w", err)
	}
	token, expires, err := sessions.Create(user)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session for %s expires %s\n", user, expires.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "Authorization: Bearer %s\n", token)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
