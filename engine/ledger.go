package engine

// The scheduled-job ledger maps element keys to the deferred jobs registered
// under them. Registration happens through the activity context; reaping
// happens here when an element reaches a terminal state: every ledger entry
// under the element's key prefix is deleted and its job queued for
// cancellation after commit.

// reapLedger cancels and deletes every scheduled entry under the key prefix.
func (t *txn) reapLedger(prefix string) error {
	entries, err := t.tx.ListScheduledByPrefix(t.ctx, prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		t.cancelJob(e.JobID)
		if err := t.tx.DeleteScheduled(t.ctx, e.Key, e.JobID); err != nil {
			return err
		}
	}
	return nil
}
