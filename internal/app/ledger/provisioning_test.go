package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledger/internal/domain"
	"ledger/internal/repository/accounts_repo/memory"
)

func TestProvision(t *testing.T) {
	store := memory.NewStore()
	p := NewAccountProvisioner(store, zap.NewNop())

	account, err := p.Provision(context.Background(), "alice", amount("2500.50"))
	require.NoError(t, err)
	assert.NotEmpty(t, account.ID)
	assert.Equal(t, "alice", account.OwnerID)
	assert.Equal(t, "2500.50", balanceOf(t, store, "alice"))
	assert.False(t, account.CreatedAt.IsZero())
}

func TestProvision_DuplicateReturnsExisting(t *testing.T) {
	store := memory.NewStore()
	p := NewAccountProvisioner(store, zap.NewNop())

	first, err := p.Provision(context.Background(), "alice", amount("10"))
	require.NoError(t, err)

	again, err := p.Provision(context.Background(), "alice", amount("99"))
	assert.ErrorIs(t, err, domain.ErrAccountAlreadyExists)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "10.00", balanceOf(t, store, "alice"))
	assert.Len(t, store.Accounts(), 1)
}

func TestProvision_Validation(t *testing.T) {
	p := NewAccountProvisioner(memory.NewStore(), zap.NewNop())

	_, err := p.Provision(context.Background(), "", amount("1"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = p.Provision(context.Background(), "bob", amount("-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = p.Provision(context.Background(), "bob", amount("0.005"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	account, err := p.Provision(context.Background(), "bob", amount("0"))
	require.NoError(t, err)
	assert.True(t, account.Balance.IsZero())
}
