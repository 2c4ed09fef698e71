package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/database"
)

// InitializeDatabases opens and migrates the four control-plane databases.
// ledger.db runs the ledger profile (synchronous FULL, append-only);
// everything else runs standard.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{Log: log, Cfg: cfg}

	specs := []struct {
		name    string
		profile database.DatabaseProfile
		target  **database.DB
	}{
		{"fleet", database.ProfileStandard, &container.FleetDB},
		{"ledger", database.ProfileLedger, &container.LedgerDB},
		{"metering", database.ProfileStandard, &container.MeteringDB},
		{"ops", database.ProfileStandard, &container.OpsDB},
	}

	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to open %s database: %w", spec.name, err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			container.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", spec.name, err)
		}
		*spec.target = db
		log.Info().Str("database", spec.name).Str("profile", string(spec.profile)).Msg("Database ready")
	}

	return container, nil
}
