package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledger/internal/app/ledger"
	"ledger/internal/domain"
	"ledger/internal/repository/accounts_repo/memory"
)

func TestUserRegisteredMessageHandler(t *testing.T) {
	store := memory.NewStore()
	handler := UserRegisteredMessageHandler(ledger.NewAccountProvisioner(store, zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	msg := kafka.Message{Value: []byte(`{"event_id":"e1","user_id":"alice","initial_balance":"1234.56"}`)}
	require.NoError(t, handler(ctx, msg))

	acc, err := store.FindByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1234.56", domain.FormatMoney(acc.Balance))

	// Redelivery is acknowledged and changes nothing.
	require.NoError(t, handler(ctx, kafka.Message{Value: []byte(`{"event_id":"e1","user_id":"alice","initial_balance":1}`)}))
	assert.Len(t, store.Accounts(), 1)

	assert.NoError(t, handler(ctx, kafka.Message{Value: []byte(`not json`)}))
	assert.NoError(t, handler(ctx, kafka.Message{Value: []byte(`{"event_id":"e2","user_id":"","initial_balance":1}`)}))
	assert.NoError(t, handler(ctx, kafka.Message{Value: []byte(`{"event_id":"e3","user_id":"bob","initial_balance":-1}`)}))
	assert.NoError(t, handler(ctx, kafka.Message{Value: []byte(`{"event_id":"e4","user_id":"carol","initial_balance":"1e20000000"}`)}))
	assert.Len(t, store.Accounts(), 1)
}

type stubProvisioner struct{ err error }

func (s stubProvisioner) Provision(context.Context, string, decimal.Decimal) (*domain.Account, error) {
	return nil, s.err
}

func TestUserRegisteredMessageHandler_ReturnsInfrastructureErrors(t *testing.T) {
	handler := UserRegisteredMessageHandler(stubProvisioner{err: domain.ErrStorageUnavailable}, zap.NewNop())

	err := handler(context.Background(), kafka.Message{Value: []byte(`{"event_id":"e1","user_id":"alice","initial_balance":0}`)})
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))
}
