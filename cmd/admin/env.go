package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/olekukonko/tablewriter"

	"finlink/internal/domain/consent"
	"finlink/internal/infrastructure/crypto"
	"finlink/internal/infrastructure/postgres"
	"finlink/internal/shared/clock"
	"finlink/internal/shared/config"
)

// env is what every command needs: config, a database and the consent
// registry on top of it.
type env struct {
	cfg      *config.Config
	db       *postgres.DB
	consents *consent.Service
	batches  *postgres.BatchRepository
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.Driver != "postgres" {
		return nil, errors.New("admin commands need DATABASE_DRIVER=postgres")
	}

	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		db.Close()
		return nil, err
	}
	envelope, err := crypto.NewEnvelope(encryptor)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &env{
		cfg:      cfg,
		db:       db,
		consents: consent.NewService(postgres.NewConsentRepository(db), clock.Real()),
		batches:  postgres.NewBatchRepository(db, envelope),
	}, nil
}

func (e *env) Close() {
	if err := e.db.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	return table
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
