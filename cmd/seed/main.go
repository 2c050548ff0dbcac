package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/wolfman30/patientflow/internal/app/bootstrap"
	"github.com/wolfman30/patientflow/internal/appointments"
	appconfig "github.com/wolfman30/patientflow/internal/config"
	"github.com/wolfman30/patientflow/internal/scheduling"
	"github.com/wolfman30/patientflow/pkg/logging"
)

func main() {
	patients := flag.Int("patients", 50, "fake patients to create per organization")
	bookings := flag.Int("bookings", 20, "appointments to book across the seeded patients")
	seed := flag.Uint64("seed", 0, "faker seed (0 picks a random one)")
	flag.Parse()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if cfg.DoctorRosterFile == "" {
		logger.Error("DOCTOR_ROSTER_FILE is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	ledger, _, err := bootstrap.BuildLedger(ctx, cfg, bootstrap.LedgerDeps{Pool: pool, Logger: logger})
	if err != nil {
		logger.Error("build ledger", "error", err)
		os.Exit(1)
	}
	doctors, err := scheduling.LoadRoster(cfg.DoctorRosterFile)
	if err != nil {
		logger.Error("load roster", "error", err)
		os.Exit(1)
	}

	s := &seeder{ledger: ledger, doctors: doctors, faker: gofakeit.New(*seed)}
	stats, err := s.run(ctx, *patients, *bookings)
	if err != nil {
		logger.Error("seed failed", "error", err)
		os.Exit(1)
	}
	logger.Info("seed complete", "organizations", stats.orgs, "patients", stats.patients, "appointments", stats.appointments)
}

type seeder struct {
	ledger  *appointments.Ledger
	doctors []scheduling.Doctor
	faker   *gofakeit.Faker
}

var visitNotes = []string{
	"Annual check-up",
	"Follow-up on lab results",
	"Prescription renewal",
	"New patient consultation",
	"Skin check",
}

type seedStats struct {
	orgs         int
	patients     int
	appointments int
}

// run creates patients for every organization in the roster and books the
// first free slots of its doctors over the coming week.
func (s *seeder) run(ctx context.Context, patientsPerOrg, bookings int) (seedStats, error) {
	var stats seedStats
	orgs, orgDoctors := s.doctorsByOrg()
	for _, orgID := range orgs {
		doctorIDs := orgDoctors[orgID]
		stats.orgs++
		patientIDs := make([]string, 0, patientsPerOrg)
		for i := 0; i < patientsPerOrg; i++ {
			phone := "+1555" + s.faker.Numerify("#######")
			p, _, err := s.ledger.EnsurePatient(ctx, orgID, phone, s.faker.Name())
			if err != nil {
				return stats, fmt.Errorf("seed patient: %w", err)
			}
			patientIDs = append(patientIDs, p.ID)
			stats.patients++
		}
		booked, err := s.book(ctx, orgID, doctorIDs, patientIDs, bookings)
		stats.appointments += booked
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// doctorsByOrg groups the active roster doctors, keeping roster order.
func (s *seeder) doctorsByOrg() ([]string, map[string][]string) {
	var orgs []string
	byOrg := map[string][]string{}
	for _, d := range s.doctors {
		if !d.Active {
			continue
		}
		if _, ok := byOrg[d.OrganizationID]; !ok {
			orgs = append(orgs, d.OrganizationID)
		}
		byOrg[d.OrganizationID] = append(byOrg[d.OrganizationID], d.ID)
	}
	return orgs, byOrg
}

func (s *seeder) book(ctx context.Context, orgID string, doctorIDs, patientIDs []string, n int) (int, error) {
	if len(doctorIDs) == 0 || len(patientIDs) == 0 {
		return 0, nil
	}
	booked := 0
	from := s.ledger.Now().AddDate(0, 0, 1)
	for i := 0; booked < n && i < n*2; i++ {
		doctorID := doctorIDs[i%len(doctorIDs)]
		slots, err := s.ledger.Suggest(ctx, doctorID, from, 7, 30*time.Minute)
		if err != nil {
			return booked, fmt.Errorf("suggest slots: %w", err)
		}
		if len(slots) == 0 {
			continue
		}
		slot := slots[s.faker.Number(0, len(slots)-1)]
		_, err = s.ledger.Book(ctx, appointments.BookRequest{
			OrganizationID: orgID,
			PatientID:      patientIDs[s.faker.Number(0, len(patientIDs)-1)],
			DoctorID:       doctorID,
			Start:          slot.Start,
			End:            slot.End,
			Source:         appointments.ChannelAPI,
			Notes:          visitNotes[s.faker.Number(0, len(visitNotes)-1)],
		})
		if errors.Is(err, appointments.ErrSlotConflict) {
			continue
		}
		if err != nil {
			return booked, fmt.Errorf("book: %w", err)
		}
		booked++
	}
	return booked, nil
}
