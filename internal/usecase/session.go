package usecase

import (
	"context"
	"fmt"

	"github.com/vitos/kitebot/internal/domain"
)

// SessionProvider resolves the broker session a user's strategies trade on.
type SessionProvider interface {
	Session(ctx context.Context, userID int64) (domain.Broker, error)
}

// SessionFactory binds an access token to a broker client.
type SessionFactory func(accessToken string) domain.Broker

// UserSessions builds sessions from the access tokens stored on users.
type UserSessions struct {
	users   domain.UserRepository
	factory SessionFactory
}

func NewUserSessions(users domain.UserRepository, factory SessionFactory) *UserSessions {
	return &UserSessions{users: users, factory: factory}
}

func (s *UserSessions) Session(ctx context.Context, userID int64) (domain.Broker, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}
	if user.AccessToken == "" {
		return nil, fmt.Errorf("user %d: %w", userID, domain.ErrNoSession)
	}
	return s.factory(user.AccessToken), nil
}
