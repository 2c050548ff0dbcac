package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/patientflow/internal/appointments"
	appconfig "github.com/wolfman30/patientflow/internal/config"
	"github.com/wolfman30/patientflow/internal/observability/metrics"
	"github.com/wolfman30/patientflow/internal/scheduling"
	"github.com/wolfman30/patientflow/pkg/logging"
)

// LedgerDeps are the optional collaborators of the appointment ledger.
type LedgerDeps struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Audit   appointments.AuditRecorder
	Metrics *metrics.SchedulingMetrics
	Logger  *logging.Logger
}

// BuildRepository returns the Postgres repository when a pool exists and the
// in-memory one otherwise.
func BuildRepository(pool *pgxpool.Pool) appointments.Repository {
	if pool != nil {
		return appointments.NewPgRepository(pool)
	}
	return appointments.NewMemoryRepository()
}

// BuildLocker serialises per-doctor writes across instances when Redis is
// configured.
func BuildLocker(cfg *appconfig.Config, rdb *redis.Client) appointments.Locker {
	if rdb != nil {
		return appointments.NewRedisLocker(rdb, cfg.LockTTL, cfg.LockWait)
	}
	return appointments.NewLocalLocker()
}

// SeedRoster loads DOCTOR_ROSTER_FILE into repo. It returns the number of
// doctors written.
func SeedRoster(ctx context.Context, path string, repo appointments.DoctorStore) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, nil
	}
	doctors, err := scheduling.LoadRoster(path)
	if err != nil {
		return 0, err
	}
	for _, d := range doctors {
		if err := repo.SaveDoctor(ctx, d); err != nil {
			return 0, fmt.Errorf("bootstrap: seed doctor %s: %w", d.ID, err)
		}
	}
	return len(doctors), nil
}

// BuildLedger wires the repository, conflict guard and ledger, then seeds
// the doctor roster when one is configured.
func BuildLedger(ctx context.Context, cfg *appconfig.Config, deps LedgerDeps) (*appointments.Ledger, appointments.Repository, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	repo := BuildRepository(deps.Pool)
	n, err := SeedRoster(ctx, cfg.DoctorRosterFile, repo)
	if err != nil {
		return nil, nil, err
	}
	if n > 0 {
		logger.Info("doctor roster loaded", "doctors", n, "path", cfg.DoctorRosterFile)
	}

	opts := []appointments.LedgerOption{
		appointments.WithLogger(logger),
		appointments.WithSchedulingMetrics(deps.Metrics),
	}
	if deps.Audit != nil {
		opts = append(opts, appointments.WithAuditRecorder(deps.Audit))
	}
	guard := appointments.NewConflictGuard(repo, BuildLocker(cfg, deps.Redis))
	return appointments.NewLedger(repo, guard, opts...), repo, nil
}
