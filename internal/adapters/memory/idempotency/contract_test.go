package idempotency

import (
	"testing"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/contracttest"
	idempotencyport "github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/idempotency"
)

func TestContract_IdempotencyStore(t *testing.T) {
	contracttest.RunIdempotencyStore(t, func(t *testing.T) (idempotencyport.Store, func()) {
		t.Helper()
		return NewStore(), nil
	})
}
