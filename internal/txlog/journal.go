package txlog

import (
	"fmt"
	"path/filepath"
	"strconv"

	"pkg.gfire.dev/metaserver/internal/vfs"
)

// fileJournal owns the open log segment. It satisfies mdsink.FileWriter so
// the digest sink can flush block bytes straight through it.
type fileJournal struct {
	fs       vfs.VFS
	file     vfs.File
	name     string
	syncFlag bool
}

func newFileJournal(fs vfs.VFS) *fileJournal {
	return &fileJournal{fs: fs}
}

// logName builds the numbered segment path <logDir>/<prefix>.<logNum>.
func logName(dir, prefix string, logNum int64) string {
	return filepath.Join(dir, prefix+"."+strconv.FormatInt(logNum, 10))
}

func (j *fileJournal) isOpen() bool { return j.file != nil }

// open creates or truncates a new log segment.
func (j *fileJournal) open(name string) error {
	if err := j.close(); err != nil {
		return err
	}
	f, err := j.fs.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create log segment: %w", err)
	}
	j.file = f
	j.name = name
	return nil
}

// openAppend reopens an existing segment positioned at its end. The segment
// must be non-empty: resuming an empty file means the digest snapshot cannot
// correspond to it.
func (j *fileJournal) openAppend(name string) error {
	if err := j.close(); err != nil {
		return err
	}
	f, err := j.fs.OpenWrite(name)
	if err != nil {
		return fmt.Errorf("failed to open log segment for append: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log segment: %w", err)
	}
	if st.Size() <= 0 {
		f.Close()
		return fmt.Errorf("log segment %s is empty, cannot resume append", name)
	}
	j.file = f
	j.name = name
	return nil
}

// WriteAll writes the whole of p, looping on short writes.
func (j *fileJournal) WriteAll(p []byte) error {
	if j.file == nil {
		return fmt.Errorf("log segment is not open")
	}
	for len(p) > 0 {
		n, err := j.file.Write(p)
		if err != nil {
			return fmt.Errorf("log segment write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// maybeFsync syncs the segment when the sync parameter is enabled.
func (j *fileJournal) maybeFsync() error {
	if !j.syncFlag {
		return nil
	}
	return j.fsync()
}

func (j *fileJournal) fsync() error {
	if j.file == nil {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("log segment fsync: %w", err)
	}
	return nil
}

// close closes the segment; idempotent.
func (j *fileJournal) close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	j.name = ""
	if err != nil {
		return fmt.Errorf("log segment close: %w", err)
	}
	return nil
}

// linkLatest repoints the stable last-log symlink at name. The link is
// created under a temporary name and renamed over so readers always see
// either the old or the new target.
func (j *fileJournal) linkLatest(name, lastPath string) error {
	tmp := lastPath + ".tmp"
	j.fs.Remove(tmp)
	if err := j.fs.Symlink(filepath.Base(name), tmp); err != nil {
		return fmt.Errorf("failed to link latest log: %w", err)
	}
	if err := j.fs.Rename(tmp, lastPath); err != nil {
		j.fs.Remove(tmp)
		return fmt.Errorf("failed to publish latest log link: %w", err)
	}
	return nil
}
