package db

import (
	"testing"

	"github.com/morezero/capability-bridge/pkg/permission"
)

var _ permission.GrantStore = (*GrantRepository)(nil)

func TestNewGrantRepository(t *testing.T) {
	repo := NewGrantRepository(nil)
	if repo == nil {
		t.Fatal("db:grants_test - NewGrantRepository returned nil")
	}
}
