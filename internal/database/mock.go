package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockStoryRepository struct {
	mock.Mock
}

func (m *MockStoryRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockStoryRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockStoryRepository) CreateAccount(accountParams CreateAccountParams) (User, error) {
	args := m.Called(accountParams)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockStoryRepository) GetAccountById(userId int) (User, error) {
	args := m.Called(userId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockStoryRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}

// RunInTx hands fn the TurnTx registered as the first return value. A nil
// TurnTx skips fn and returns the registered error.
func (m *MockStoryRepository) RunInTx(ctx context.Context, fn func(tx TurnTx) error) error {
	args := m.Called(ctx)
	if tx, ok := args.Get(0).(TurnTx); ok && tx != nil {
		if err := fn(tx); err != nil {
			return err
		}
	}
	return args.Error(1)
}
