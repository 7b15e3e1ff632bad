package dispatchrepo

import (
	"testing"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/contracttest"
	dispatchrepoport "github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/dispatchrepo"
)

func TestContract_DispatchRepo(t *testing.T) {
	contracttest.RunDispatchRepo(t, func(t *testing.T) (dispatchrepoport.Repository, func()) {
		t.Helper()
		return NewRepo(), nil
	})
}
