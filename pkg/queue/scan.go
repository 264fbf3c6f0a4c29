package queue

import (
	"database/sql"
	"time"

	"github.com/lprior-repo/isolate/pkg/types"
)

const entrySelect = `
	SELECT id, workspace, bead_id, priority, agent_id, status, attempt_count, max_attempts,
	       rebase_count, last_rebase_at, head_sha, tested_against_sha, created_at, updated_at
	FROM queue_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (types.QueueEntry, error) {
	var e types.QueueEntry
	var beadID, agentID, headSHA, testedSHA sql.NullString
	var lastRebaseAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&e.ID, &e.Workspace, &beadID, &e.Priority, &agentID, &e.Status,
		&e.AttemptCount, &e.MaxAttempts, &e.RebaseCount, &lastRebaseAt,
		&headSHA, &testedSHA, &createdAt, &updatedAt)
	if err != nil {
		return types.QueueEntry{}, err
	}

	if beadID.Valid {
		e.BeadID = &beadID.String
	}
	if agentID.Valid {
		e.AgentID = &agentID.String
	}
	if headSHA.Valid {
		e.HeadSHA = &headSHA.String
	}
	if testedSHA.Valid {
		e.TestedAgainstSHA = &testedSHA.String
	}
	if lastRebaseAt.Valid {
		t := time.Unix(lastRebaseAt.Int64, 0).UTC()
		e.LastRebaseAt = &t
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return e, nil
}
