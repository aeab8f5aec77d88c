package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/kitebot/internal/domain"
	"github.com/vitos/kitebot/internal/usecase"
)

func TestUserSessions(t *testing.T) {
	users := &MockUserRepo{Users: map[int64]*domain.User{
		1: {ID: 1, AccessToken: "tok-1"},
		2: {ID: 2},
	}}
	var tokens []string
	sessions := usecase.NewUserSessions(users, func(token string) domain.Broker {
		tokens = append(tokens, token)
		return &MockBroker{}
	})
	ctx := context.Background()

	broker, err := sessions.Session(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, broker)
	assert.Equal(t, []string{"tok-1"}, tokens)

	_, err = sessions.Session(ctx, 2)
	assert.ErrorIs(t, err, domain.ErrNoSession)

	_, err = sessions.Session(ctx, 3)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
