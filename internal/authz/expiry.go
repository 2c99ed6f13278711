package authz

import (
	"context"
	"log/slog"
)

// Expiry is a function of wall-clock time, not a write event: nothing fires
// when an assignment or override "becomes" expired. Role-assignment expiry
// needs no action because the resolver re-checks activity on every call. The
// principal cache is denormalized, so an expired override keeps serving stale
// grants or denials until this pull path, or another write to the user's
// overrides, recomputes it.

// CheckAndRefreshExpired detects time-lapsed, unrevoked rows for the user on
// an authentication or session path. When direct-override expiry is found the
// principal cache is recomputed; the return value reports whether a refresh
// ran.
func (s *Service) CheckAndRefreshExpired(ctx context.Context, userID int64) (bool, error) {
	var refreshed bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now()
		expiredOverrides, err := tx.HasExpiredOverrides(ctx, userID, now)
		if err != nil {
			return err
		}
		if expiredAssignments, err := tx.HasExpiredAssignments(ctx, userID, now); err != nil {
			return err
		} else if expiredAssignments {
			s.logger.Debug("expired role assignments observed", slog.Int64("user_id", userID))
		}
		if !expiredOverrides {
			return nil
		}
		if err := s.inval.RefreshUserDirectPermissions(ctx, tx, userID, now); err != nil {
			return err
		}
		refreshed = true
		return nil
	})
	return refreshed, err
}

// SweepExpiredOverrides refreshes the principal cache of every user holding a
// time-lapsed override, in batches. Invoked by the background scheduler so
// stale caches of idle users do not linger indefinitely.
func (s *Service) SweepExpiredOverrides(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	userIDs, err := s.repo.ListUserIDsWithExpiredOverrides(ctx, s.now(), batchSize)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, userID := range userIDs {
		refreshed, err := s.CheckAndRefreshExpired(ctx, userID)
		if err != nil {
			return swept, err
		}
		if refreshed {
			swept++
		}
	}
	return swept, nil
}
