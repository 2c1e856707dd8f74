package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireEntryPostingLock serializes ledger application per entry across
// instances using MySQL advisory locks. Release happens before the owning
// transaction commits; callers must hold their row locks through commit and
// never treat this lock as the commit-window guard.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB (transaction) that will do the posting.
func AcquireEntryPostingLock(tx *gorm.DB, entryId int) error {
	lockName := fmt.Sprintf("entry-posting:%d", entryId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for entry_id=%d", entryId)
	}
	return nil
}

func ReleaseEntryPostingLock(tx *gorm.DB, entryId int) {
	lockName := fmt.Sprintf("entry-posting:%d", entryId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
