package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/scheduling/internal/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedRebateItems(context.Background(), pool); err != nil {
		log.Fatalf("seed rebate items: %v", err)
	}
	if err := seedPractitioners(context.Background(), pool, 50); err != nil {
		log.Fatalf("seed practitioners: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 2000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

func seedRebateItems(ctx context.Context, pool *pgxpool.Pool) error {
	log.Println("seeding rebate items")

	items := []struct {
		code        string
		description string
		maxSessions int
		referral    bool
	}{
		{"80000", "Psychology consultation, 50+ minutes", 10, true},
		{"80010", "Psychology consultation, 20-50 minutes", 10, true},
		{"80110", "Clinical psychology, initial assessment", 10, true},
		{"10960", "Allied health, chronic disease management", 5, true},
		{"91800", "Private counselling session", 52, false},
	}

	for _, it := range items {
		_, err := pool.Exec(ctx, `
			INSERT INTO rebate_items (code, description, max_sessions_per_year, requires_referral, active)
			VALUES ($1, $2, $3, $4, true)
			ON CONFLICT (code) DO NOTHING
		`, it.code, it.description, it.maxSessions, it.referral)
		if err != nil {
			return err
		}
	}

	log.Println("rebate items seeded")
	return nil
}

func seedPractitioners(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d practitioners", count)

	specialties := []string{
		"Clinical Psychology",
		"Counselling",
		"Psychiatry",
		"General Practice",
		"Physiotherapy",
		"Dietetics",
	}
	timezones := []string{
		"Australia/Sydney",
		"Australia/Melbourne",
		"Australia/Brisbane",
		"Australia/Perth",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]
		tz := timezones[gofakeit.Number(0, len(timezones)-1)]
		acceptingNew := gofakeit.Number(0, 9) > 1 // most accept new patients

		_, err := tx.Exec(ctx, `
			INSERT INTO practitioners (id, full_name, specialty, timezone, credential_current, accepting_new_patients, created_at, updated_at)
			VALUES ($1, $2, $3, $4, true, $5, now(), now())
		`, id, name, spec, tz, acceptingNew)
		if err != nil {
			return err
		}

		// Weekday 9:00-17:00 pattern, 50 minute sessions.
		for weekday := 1; weekday <= 5; weekday++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO availability_patterns (id, practitioner_id, weekday, start_minute, end_minute, slot_minutes)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, uuid.New(), id, weekday, 9*60, 17*60, 50)
			if err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("practitioners seeded")
	return nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()
			isNew := gofakeit.Number(0, 2) == 0

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, full_name, email, is_new, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, id, name, email, isNew)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}

			// Returning patients get a referral on file.
			if !isNew {
				issued := gofakeit.DateRange(time.Now().AddDate(0, -11, 0), time.Now())
				_, err := tx.Exec(ctx, `
					INSERT INTO referrals (id, patient_id, issued_at, referrer)
					VALUES ($1, $2, $3, $4)
				`, uuid.New(), id, issued, "Dr "+gofakeit.LastName())
				if err != nil {
					_ = tx.Rollback(ctx)
					return err
				}
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Printf("patients seeded: %d/%d", end, count)
	}

	log.Println("patients seeded")
	return nil
}
