// Package memstore keeps every repository in process memory. It backs
// DATABASE_DRIVER=memory and the domain tests. Each area has its own
// mutex so a consent lookup never waits on an ingest transaction.
package memstore

import (
	"finlink/internal/shared/clock"
)

type Store struct {
	clock clock.Clock

	Consents *ConsentStore
	Batches  *BatchStore
	Ingest   *IngestStore
	Devices  *DeviceStore
}

func New(clk clock.Clock) *Store {
	return &Store{
		clock:    clk,
		Consents: newConsentStore(clk),
		Batches:  newBatchStore(clk),
		Ingest:   newIngestStore(clk),
		Devices:  newDeviceStore(clk),
	}
}
