package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type Memory struct {
	mu       sync.Mutex
	receipts map[uuid.UUID]Receipt
}

func NewMemory() *Memory {
	return &Memory{receipts: make(map[uuid.UUID]Receipt)}
}

func (m *Memory) Record(ctx context.Context, jobID uuid.UUID, rc Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[jobID] = rc
	return nil
}

func (m *Memory) Lookup(ctx context.Context, jobID uuid.UUID) (Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.receipts[jobID]
	return rc, ok, nil
}
