package registry

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lprior-repo/isolate/pkg/types"
)

const sessionSelect = `
	SELECT id, name, parent, status, state, workspace_path, branch, created_at, updated_at, last_synced, metadata
	FROM sessions`

// rowScanner abstracts over *sql.Row and *sql.Rows, both of which
// implement Scan with an identical signature.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (types.Session, error) {
	var s types.Session
	var parent, branch, metadata sql.NullString
	var createdAt, updatedAt int64
	var lastSynced sql.NullInt64

	err := row.Scan(&s.ID, &s.Name, &parent, &s.Status, &s.State, &s.WorkspacePath, &branch, &createdAt, &updatedAt, &lastSynced, &metadata)
	if err != nil {
		if err == sql.ErrNoRows {
			return types.Session{}, err
		}
		return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to scan session row")
	}

	if parent.Valid {
		s.ParentSession = &parent.String
	}
	if branch.Valid {
		s.Branch = &branch.String
	}
	if metadata.Valid {
		if !json.Valid([]byte(metadata.String)) {
			return types.Session{}, &types.Error{
				Kind:    types.KindParseError,
				Message: "stored metadata for session " + s.Name + " is not valid JSON",
			}
		}
		s.Metadata = &metadata.String
	}
	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastSynced.Valid {
		t := time.Unix(lastSynced.Int64, 0).UTC()
		s.LastSynced = &t
	}

	return s, nil
}

func scanSessionRows(rows *sql.Rows) (types.Session, error) {
	return scanSession(rows)
}
