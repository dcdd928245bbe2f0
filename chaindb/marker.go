// Copyright 2024 The corechain Authors
// This file is part of corechain.
//
// corechain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// corechain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with corechain. If not, see <http://www.gnu.org/licenses/>.

package chaindb

import (
	"encoding/binary"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/afero"

	"github.com/erigontech/corechain/chainerr"
)

const (
	markerFile = "protocolMagicId"
	cleanFile  = "clean"
	lockFile   = "lock"
)

// checkOrWriteMarker implements spec §6's DB-marker contract: on an empty
// root, write protocolMagicId with the configured magic; otherwise read it
// back and fail DbMarkerMismatch if it disagrees.
func checkOrWriteMarker(fs afero.Fs, root string, magic uint32) error {
	path := filepath.Join(root, markerFile)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if !afero.Exists(fs, path) {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, magic)
			if werr := afero.WriteFile(fs, path, buf, 0o644); werr != nil {
				return chainerr.Wrap(chainerr.ErrUnexpectedIO, werr)
			}
			return nil
		}
		return chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
	}
	if len(data) != 4 {
		return chainerr.Wrapf(chainerr.ErrDbMarkerMismatch, "protocolMagicId: malformed marker file (%d bytes)", len(data))
	}
	got := binary.LittleEndian.Uint32(data)
	if got != magic {
		return chainerr.Wrapf(chainerr.ErrDbMarkerMismatch, "protocolMagicId: root was opened with magic %d, configured magic is %d", got, magic)
	}
	return nil
}

// wasCleanShutdown reports whether the clean marker was present at open,
// consuming it (spec §6: its presence enables fast-path validation for
// this open only; a fresh marker is written again on a clean Close).
func wasCleanShutdown(fs afero.Fs, root string) bool {
	path := filepath.Join(root, cleanFile)
	ok := afero.Exists(fs, path)
	if ok {
		_ = fs.Remove(path)
	}
	return ok
}

// markCleanShutdown writes the zero-byte clean marker on a graceful Close.
func markCleanShutdown(fs afero.Fs, root string) error {
	if err := afero.WriteFile(fs, filepath.Join(root, cleanFile), []byte{}, 0o644); err != nil {
		return chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
	}
	return nil
}

// dbLock wraps the advisory exclusive lock file of spec §6. gofrs/flock
// only ever locks real filesystem paths, so against an injected
// afero.Fs that is not backed by the OS (tests use afero.NewMemMapFs) it
// is a no-op: there is no real shared filesystem for two processes to
// race on in that case.
type dbLock struct {
	fl *flock.Flock
}

// acquireLock takes the exclusive lock at root/lock when fs is a real OS
// filesystem. Returns ErrDatabaseLocked if another process already holds
// it.
func acquireLock(fs afero.Fs, root string) (*dbLock, error) {
	if _, ok := fs.(*afero.OsFs); !ok {
		return &dbLock{}, nil
	}
	fl := flock.New(filepath.Join(root, lockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, chainerr.Wrap(chainerr.ErrUnexpectedIO, err)
	}
	if !locked {
		return nil, chainerr.ErrDatabaseLocked
	}
	return &dbLock{fl: fl}, nil
}

func (l *dbLock) release() {
	if l == nil || l.fl == nil {
		return
	}
	_ = l.fl.Unlock()
}
