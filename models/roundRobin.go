package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oknaservice/dispatch_backend/config"
	"gorm.io/gorm"
)

// RoundRobinCursor is a singleton row (id = 1) remembering the last worker
// assigned by rotation. It moves only when a confirmation commits; previewing
// candidates never touches it.
type RoundRobinCursor struct {
	ID                   int       `gorm:"primary_key" json:"id"`
	LastAssignedWorkerId int       `gorm:"not null;default:0" json:"last_assigned_worker_id"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const roundRobinCursorId = 1

const cursorLockName = "round_robin_cursor"

const cursorCommitRetries = 3

// ErrCursorBusy is surfaced when the cursor lock could not be taken after
// bounded retries. Callers should ask the operator to try again.
var ErrCursorBusy = errors.New("assignment counter is busy, try again")

// GetRoundRobinCursor returns the current cursor position. A missing row
// reads as position 0 (rotation starts from the first active worker).
func GetRoundRobinCursor(ctx context.Context) (int, error) {
	db := config.GetDB()
	var cursor RoundRobinCursor
	err := db.WithContext(ctx).First(&cursor, roundRobinCursorId).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return cursor.LastAssignedWorkerId, nil
}

// acquireCursorLock serializes cursor commits across instances using a MySQL
// advisory lock. GET_LOCK is connection-scoped, so this must run on the same
// *gorm.DB that performs the cursor write.
func acquireCursorLock(tx *gorm.DB, waitSeconds int) error {
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, ?)", cursorLockName, waitSeconds).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire lock %s", cursorLockName)
	}
	return nil
}

func releaseCursorLock(tx *gorm.DB) {
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", cursorLockName).Scan(&_ok).Error
}

// AdvanceRoundRobinCursor moves the cursor to workerId. Two concurrent
// commits serialize on the advisory lock, so neither can overwrite the
// other from a stale read. Transient lock contention is retried a bounded
// number of times before surfacing ErrCursorBusy.
func AdvanceRoundRobinCursor(ctx context.Context, workerId int) error {

	logger := config.GetLogger()
	db := config.GetDB()

	var lastErr error
	for attempt := 0; attempt < cursorCommitRetries; attempt++ {
		lastErr = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := acquireCursorLock(tx, 5); err != nil {
				return err
			}
			defer releaseCursorLock(tx)

			var cursor RoundRobinCursor
			err := tx.First(&cursor, roundRobinCursorId).Error
			if err != nil {
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
				cursor = RoundRobinCursor{ID: roundRobinCursorId}
			}
			cursor.LastAssignedWorkerId = workerId
			return tx.Save(&cursor).Error
		})
		if lastErr == nil {
			return nil
		}
		config.LogError(logger, "RoundRobin", "AdvanceRoundRobinCursor", "cursor commit attempt failed", workerId, lastErr)
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return ErrCursorBusy
}
