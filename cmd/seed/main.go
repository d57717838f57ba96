package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	env := getEnv("NSM_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: NSM_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("NSM_DB_HOST", "localhost")
	port := getEnv("NSM_DB_PORT", "5432")
	db := getEnv("NSM_DB_NAME", "auction_core")
	user := getEnv("NSM_DB_USER", "auction")
	password := getEnv("NSM_DB_PASSWORD", "auction")
	sslmode := getEnv("NSM_DB_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedUsers(ctx, pool); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users seeded")

	if err := seedWallets(ctx, pool); err != nil {
		log.Fatalf("seed wallets: %v", err)
	}
	fmt.Println("✓ Wallets seeded")

	if err := seedAuctions(ctx, pool); err != nil {
		log.Fatalf("seed auctions: %v", err)
	}
	fmt.Println("✓ Auctions seeded")

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo Users:")
	fmt.Println("  seller@example.com  00000000-0000-0000-0000-000000000001")
	fmt.Println("  bidder@example.com  00000000-0000-0000-0000-000000000002")
	fmt.Println("  rival@example.com   00000000-0000-0000-0000-000000000003")
}

var (
	sellerID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	bidderID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	rivalID  = uuid.MustParse("00000000-0000-0000-0000-000000000003")
)

func seedUsers(ctx context.Context, pool *pgxpool.Pool) error {
	users := []struct {
		id    uuid.UUID
		email string
		name  string
	}{
		{sellerID, "seller@example.com", "Demo Seller"},
		{bidderID, "bidder@example.com", "Demo Bidder"},
		{rivalID, "rival@example.com", "Demo Rival"},
	}

	for _, u := range users {
		if _, err := pool.Exec(ctx, `
			INSERT INTO users (id, email, display_name, role, status, created_at)
			VALUES ($1, $2, $3, 'user', 'ACTIVE', now())
			ON CONFLICT (email) DO UPDATE
			SET display_name = EXCLUDED.display_name,
			    status = EXCLUDED.status
		`, u.id, u.email, u.name); err != nil {
			return err
		}
	}
	return nil
}

func seedWallets(ctx context.Context, pool *pgxpool.Pool) error {
	wallets := []struct {
		userID    uuid.UUID
		available int64
	}{
		{sellerID, 100000},
		{bidderID, 500000},
		{rivalID, 500000},
	}

	for _, w := range wallets {
		if _, err := pool.Exec(ctx, `
			INSERT INTO wallets (user_id, available, locked, updated_at)
			VALUES ($1, $2, 0, now())
			ON CONFLICT (user_id) DO UPDATE
			SET available = EXCLUDED.available,
			    locked = 0,
			    updated_at = now()
		`, w.userID, w.available); err != nil {
			return err
		}
	}
	return nil
}

func seedAuctions(ctx context.Context, pool *pgxpool.Pool) error {
	now := time.Now().UTC()
	auctions := []struct {
		id         uuid.UUID
		title      string
		startPrice int64
		status     string
		start      time.Time
		end        time.Time
	}{
		{
			id:         uuid.MustParse("10000000-0000-0000-0000-000000000001"),
			title:      "Vintage film camera",
			startPrice: 10000,
			status:     "RUNNING",
			start:      now.Add(-time.Hour),
			end:        now.Add(24 * time.Hour),
		},
		{
			id:         uuid.MustParse("10000000-0000-0000-0000-000000000002"),
			title:      "Mechanical keyboard",
			startPrice: 25000,
			status:     "RUNNING",
			start:      now.Add(-time.Hour),
			end:        now.Add(30 * time.Minute),
		},
		{
			id:         uuid.MustParse("10000000-0000-0000-0000-000000000003"),
			title:      "Signed first edition",
			startPrice: 50000,
			status:     "READY",
			start:      now.Add(time.Hour),
			end:        now.Add(48 * time.Hour),
		},
	}

	var totalHeld int64
	for _, a := range auctions {
		// Live rows carry the held seller deposit, min(5% of start, 1000).
		var deposit int64
		if a.status == "RUNNING" {
			deposit = a.startPrice / 20
			if deposit > 1000 {
				deposit = 1000
			}
		}
		if _, err := pool.Exec(ctx, `
			INSERT INTO auctions (id, seller_id, title, description, start_price, current_price,
			                      bid_count, status, start_time, end_time, extended,
			                      imminent_minutes, deposit_amount, deposit_status, created_at, updated_at)
			VALUES ($1, $2, $3, '', $4, $4, 0, $5, $6, $7, false, 5 + floor(random() * 4)::int, $8, 'HELD', now(), now())
			ON CONFLICT (id) DO NOTHING
		`, a.id, sellerID, a.title, a.startPrice, a.status, a.start, a.end, deposit); err != nil {
			return err
		}
		totalHeld += deposit
	}

	// Mirror the held deposits into the seller wallet.
	if _, err := pool.Exec(ctx, `
		UPDATE wallets SET available = available - $1, locked = locked + $1, updated_at = now()
		WHERE user_id = $2
	`, totalHeld, sellerID); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
