package memstore

import (
	"testing"

	"github.com/systemshift/memex-vstore/internal/persist"
	"github.com/systemshift/memex-vstore/internal/persist/persisttest"
)

func TestContract(t *testing.T) {
	b := New()
	persisttest.Run(t, func(t *testing.T, cfg persist.Config) persist.Persist {
		return b.CreatePersist(cfg)
	})
}
