package store

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/lprior-repo/isolate/pkg/log"
	"github.com/lprior-repo/isolate/pkg/recovery"
	"github.com/lprior-repo/isolate/pkg/types"
)

// minHeaderSize is the minimum byte count for a valid store file
// (spec §4.A step 2, §6 "byte offsets 0-99: header").
const minHeaderSize = 100

// sqliteMagic is the engine's published 16-byte header magic
// ("SQLite format 3\0"), checked by exact equality (spec §4.A step 3).
var sqliteMagic = []byte{
	'S', 'Q', 'L', 'i', 't', 'e', ' ', 'f', 'o', 'r', 'm', 'a', 't', ' ', '3', 0x00,
}

// walMagic is the big-endian 4-byte magic at offset 0 of a WAL sidecar
// file (spec §4.A step 4, §6).
const walMagic uint32 = 0x377F0682

// recoveryAction is what Open should do after the pre-open integrity
// protocol, decided by the Recovery / Policy Engine.
type recoveryAction int

const (
	recoverNone recoveryAction = iota
	recoverByDelete
)

// checkIntegrity runs the pre-open integrity protocol (spec §4.A
// steps 1-5), routing any detected corruption through pkg/recovery.
func checkIntegrity(path string, cfg types.RecoveryConfig) (recoveryAction, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return recoverNone, nil // nothing to validate yet; Open will create it
		}
		return recoverNone, types.Wrap(types.KindIOError, err, "database file is not accessible: "+path).
			WithFixCommands("chmod 644 " + path)
	}

	// Step 1: probe readability before any corruption verdict.
	if f, err := os.Open(path); err != nil {
		if os.IsPermission(err) {
			return recoverNone, types.Wrap(types.KindIOError, err, "database file is not accessible: "+path).
				WithFixCommands("chmod 644 " + path)
		}
	} else {
		f.Close()
	}

	// Step 2: minimum header size.
	if info.Size() < minHeaderSize {
		detail := fmt.Sprintf("database file is too small to be valid: %d bytes, expected at least %d", info.Size(), minHeaderSize)
		return toAction(recovery.Apply(cfg, path, detail))
	}

	header, err := readExact(path, 16)
	if err != nil {
		if os.IsPermission(err) {
			return recoverNone, types.Wrap(types.KindIOError, err, "database file is not accessible: "+path).
				WithFixCommands("chmod 644 " + path)
		}
		return toAction(recovery.Apply(cfg, path, "database header is unreadable: "+err.Error()))
	}

	// Step 3: engine magic, exact equality.
	if !bytes.Equal(header, sqliteMagic) {
		detail := fmt.Sprintf("database file corrupted: magic bytes %s, expected %s (SQLite format 3)",
			hex.EncodeToString(header), hex.EncodeToString(sqliteMagic))
		return toAction(recovery.Apply(cfg, path, detail))
	}

	// Step 4: WAL sidecar, if present.
	walPath := path + "-wal"
	if walInfo, err := os.Stat(walPath); err == nil {
		if walInfo.Size() < 32 {
			detail := fmt.Sprintf("WAL sidecar file is too small to be valid: %d bytes, expected at least 32", walInfo.Size())
			return toAction(recovery.Apply(cfg, path, detail))
		}

		walHeader, err := readExact(walPath, 4)
		if err != nil {
			if os.IsPermission(err) {
				return recoverNone, types.Wrap(types.KindIOError, err, "WAL sidecar is not accessible: "+walPath).
					WithFixCommands("chmod 644 " + walPath)
			}
			return toAction(recovery.Apply(cfg, path, "WAL sidecar is unreadable: "+err.Error()))
		}
		got := binary.BigEndian.Uint32(walHeader)
		if got != walMagic {
			detail := fmt.Sprintf("WAL file corrupted: magic 0x%08x, expected 0x%08x", got, walMagic)
			if !cfg.AutoRecoverCorruptedWAL {
				return toAction(recovery.Apply(cfg, path, detail))
			}
			log.WithComponent("store").Warn().Str("path", walPath).
				Msg(detail + " (auto-recovery permitted, letting the engine rebuild it)")
		}
	}

	return recoverNone, nil
}

// toAction translates a recovery.Action into this package's
// recoveryAction, keeping the Engine's vocabulary out of callers that
// only need to know whether to delete or not.
func toAction(action recovery.Action, err error) (recoveryAction, error) {
	if action == recovery.Delete {
		return recoverByDelete, nil
	}
	return recoverNone, err
}

// recoverDelete removes a corrupt database file (and any WAL/SHM
// sidecars) so Open can recreate it fresh. It never deletes anything
// unless the Recovery Engine already decided to, via recoverByDelete.
func recoverDelete(path string, cfg types.RecoveryConfig) error {
	logger := log.WithComponent("store")

	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return types.Wrap(types.KindIOError, err, "failed to remove corrupt file "+p)
		}
	}

	logger.Warn().Str("path", path).Msg("corrupt database deleted per recovery policy, a fresh store will be created")

	return nil
}

// readExact reads exactly n bytes from the start of the file at path.
func readExact(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	if _, err := f.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
