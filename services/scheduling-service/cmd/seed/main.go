package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/careloop-health/careslot/libs/db"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/model"
	"github.com/careloop-health/careslot/services/scheduling-service/internal/storage"
)

// Seeds providers (with API keys) and a few weeks of slots for local
// development and load testing.
func main() {
	var (
		providers = flag.Int("providers", 10, "providers to create")
		days      = flag.Int("days", 14, "days of slots per provider")
		apiKey    = flag.String("api-key", "dev-api-key", "plaintext API key for every seeded provider")
	)
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	hash, err := bcrypt.GenerateFromPassword([]byte(*apiKey), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("hash api key: %v", err)
	}

	slotRepo := storage.NewSlotRepository()
	roles := []string{"doctor", "lab", "clinic"}
	entities := []model.EntityType{model.EntityOPD, model.EntityIPD, model.EntityLab}

	for i := 0; i < *providers; i++ {
		providerID := uuid.New()
		role := roles[gofakeit.Number(0, len(roles)-1)]
		name := "Dr. " + gofakeit.Name()
		if role != "doctor" {
			name = gofakeit.Company() + " " + role
		}

		_, err := pool.Exec(ctx, `
			INSERT INTO providers (id, role, display_name, email, is_verified, verification_status, is_active, api_key_hash)
			VALUES ($1, $2, $3, $4, true, 'approved', true, $5)
		`, providerID, role, name, gofakeit.Email(), hash)
		if err != nil {
			log.Fatalf("insert provider: %v", err)
		}

		for d := 0; d < *days; d++ {
			slot := randomSlot(providerID, role, entities, d)
			if err := slotRepo.Insert(ctx, pool, slot); err != nil {
				log.Fatalf("insert slot: %v", err)
			}
		}
		fmt.Printf("provider %s (%s) seeded with %d slots\n", name, providerID, *days)
	}

	log.Println("seed complete")
}

func randomSlot(providerID uuid.UUID, role string, entities []model.EntityType, dayOffset int) *model.Slot {
	date := model.UTCMidnight(time.Now().AddDate(0, 0, dayOffset+1))
	slot := &model.Slot{
		ID:                 uuid.New(),
		ProviderID:         providerID,
		ProviderRole:       role,
		EntityType:         entities[gofakeit.Number(0, len(entities)-1)],
		Date:               date,
		AdvanceBookingDays: 30,
		IsActive:           true,
		FeeCents:           int64(gofakeit.Number(20, 150)) * 100,
	}

	if gofakeit.Bool() {
		slot.Shape = model.ShapeSingle
		slot.Windows = []model.SlotWindow{
			{StartMin: 9 * 60, EndMin: 17 * 60, Capacity: gofakeit.Number(10, 40)},
		}
	} else {
		slot.Shape = model.ShapeMulti
		slot.Windows = []model.SlotWindow{
			{Name: "morning", StartMin: 9 * 60, EndMin: 12 * 60, Capacity: gofakeit.Number(5, 15)},
			{Name: "afternoon", StartMin: 13 * 60, EndMin: 17 * 60, Capacity: gofakeit.Number(5, 15)},
		}
	}
	slot.AvailableCapacity = slot.ComputeAvailable()
	return slot
}
