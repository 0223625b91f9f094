package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrCoordinator = errors.New("coordinator error")
	ErrRepository  = errors.New("repository error")
)

func wrapCoordinator(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrCoordinator, err)
}

func wrapRepo(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRepository, err)
}
