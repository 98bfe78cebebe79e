package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/domain/alert"
	"github.com/ehr/medsafety/internal/domain/prescription"
	"github.com/ehr/medsafety/internal/domain/safety"
	"github.com/ehr/medsafety/internal/platform/broadcast"
	"github.com/ehr/medsafety/internal/platform/db"
	"github.com/ehr/medsafety/migrations"
)

// globalPool is shared by every test in the package, initialized in TestMain.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	if os.Getenv("MEDSAFETY_INTEGRATION") == "off" || !dockerAvailable(ctx) {
		fmt.Fprintln(os.Stderr, "docker unavailable; skipping integration tests")
		os.Exit(0)
	}

	connStr, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	code, err := run(ctx, m, connStr)
	cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration setup failed: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(ctx context.Context, m *testing.M, connStr string) (int, error) {
	pool, err := db.NewPool(ctx, connStr, 10, 1)
	if err != nil {
		return 0, err
	}
	defer pool.Close()

	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		return 0, fmt.Errorf("migrate: %w", err)
	}
	ds, err := safety.LoadDataset(seedDatasetPath())
	if err != nil {
		return 0, err
	}
	if err := safety.NewPGStore(pool).Replace(ctx, ds); err != nil {
		return 0, fmt.Errorf("load reference data: %w", err)
	}

	globalPool = pool
	return m.Run(), nil
}

// seedDatasetPath locates data/reference.yaml relative to this file.
func seedDatasetPath() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "data", "reference.yaml")
}

// uniquePatient keeps rows from different tests apart in the shared database.
func uniquePatient(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

type stack struct {
	hub           *broadcast.Hub
	alerts        *alert.Manager
	prescriptions *prescription.Service
	gate          *safety.Gate
}

func newStack(t *testing.T, policy safety.DegradedPolicy) *stack {
	t.Helper()
	logger := zerolog.Nop()
	hub := broadcast.NewHub(logger, nil)
	alerts := alert.NewManager(alert.ManagerDeps{
		Repo:        alert.NewRepoPG(globalPool),
		Broadcaster: hub,
		Logger:      logger,
	})
	prescriptions := prescription.NewService(prescription.NewRepoPG(globalPool))
	store := safety.NewBreakerStore(safety.NewPGStore(globalPool), safety.BreakerConfig{}, logger)
	gate := safety.NewGate(safety.GateDeps{
		Checkers:      safety.NewCheckers(store, safety.NewMemoryCache(100, 0)),
		Prescriptions: prescriptions,
		Alerts:        alerts,
		Logger:        logger,
	}, safety.GateConfig{DegradedPolicy: policy})
	t.Cleanup(alerts.Wait)
	return &stack{hub: hub, alerts: alerts, prescriptions: prescriptions, gate: gate}
}
