package engine

import (
	"context"
	"fmt"
)

// =============================================================================
// USERS & BRANCHES
// =============================================================================

// SaveUser creates or updates a user.
func (e *Engine) SaveUser(ctx context.Context, u User) error {
	if u.ID == "" || u.Name == "" {
		return fmt.Errorf("%w: user id and name are required", ErrInvalidInput)
	}
	if !u.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, u.Role)
	}
	return e.Store.WithTx(ctx, func(s Session) error {
		return s.SaveUser(ctx, u)
	})
}

// GetUser returns ErrUserNotFound when the user does not exist.
func (e *Engine) GetUser(ctx context.Context, id UserID) (*User, error) {
	var user *User
	err := e.Store.WithTx(ctx, func(s Session) error {
		var err error
		user, err = s.GetUser(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return user, nil
}

func (e *Engine) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := e.Store.WithTx(ctx, func(s Session) error {
		var err error
		users, err = s.ListUsers(ctx)
		return err
	})
	return users, err
}

// SaveBranch creates or updates a branch. Changing the default thresholds
// does not touch revenue rows that already carry a snapshot.
func (e *Engine) SaveBranch(ctx context.Context, b Branch) error {
	if err := ValidateBranch(b); err != nil {
		return err
	}
	return e.Store.WithTx(ctx, func(s Session) error {
		return s.SaveBranch(ctx, b)
	})
}

func (e *Engine) ListBranches(ctx context.Context) ([]Branch, error) {
	var branches []Branch
	err := e.Store.WithTx(ctx, func(s Session) error {
		var err error
		branches, err = s.ListBranches(ctx)
		return err
	})
	return branches, err
}

// ValidateBranch checks ids, threshold order and percentage bounds.
func ValidateBranch(b Branch) error {
	if b.ID == "" || b.Name == "" {
		return fmt.Errorf("%w: branch id and name are required", ErrInvalidInput)
	}
	if b.TargetMin.IsNegative() || b.TargetMax.IsNegative() {
		return fmt.Errorf("%w: branch targets must not be negative", ErrInvalidInput)
	}
	if b.TargetMax.IsPositive() && b.TargetMin.GreaterThan(b.TargetMax) {
		return fmt.Errorf("%w: branch target min %s above max %s", ErrInvalidInput, b.TargetMin, b.TargetMax)
	}
	if b.MinPercentage().IsNegative() || b.MinPercentage().GreaterThan(hundred) ||
		b.MaxPercentage().IsNegative() || b.MaxPercentage().GreaterThan(hundred) {
		return fmt.Errorf("%w: branch percentages must be within [0, 100]", ErrInvalidInput)
	}
	if exceedsScale(b.TargetMin, MoneyScale) || exceedsScale(b.TargetMax, MoneyScale) ||
		exceedsScale(b.MinPercentage(), PercentageScale) || exceedsScale(b.MaxPercentage(), PercentageScale) {
		return fmt.Errorf("%w: branch targets allow %d and percentages %d decimal places",
			ErrInvalidInput, MoneyScale, PercentageScale)
	}
	return nil
}

// UserAssignments returns every assignment of a user, oldest start first.
func (e *Engine) UserAssignments(ctx context.Context, userID UserID) ([]Assignment, error) {
	var assignments []Assignment
	err := e.Store.WithTx(ctx, func(s Session) error {
		user, err := s.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if user == nil {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		assignments, err = s.ListAssignmentsByUser(ctx, userID)
		return err
	})
	return assignments, err
}
