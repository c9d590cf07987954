package launcher

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/xid"

	"github.com/moraydb/moray/pkg/consts"
	"github.com/moraydb/moray/pkg/errors"
	"github.com/moraydb/moray/pkg/pgwire"
)

// Snapshot wire format. The read order matches the write order field
// for field; any disagreement is a version bump, not a patch.
const (
	snapshotMagic   uint32 = 0x4d525956 // "MRYV"
	snapshotVersion uint32 = 1
)

// InheritedState is everything a re-exec'd child must see to continue
// where the supervisor left off. It is serialized to a transient file
// whose path is passed as the argument after the role flag; the child
// deserializes it and deletes the file before doing anything else.
type InheritedState struct {
	Role consts.ChildRole

	// Connection fields, meaningful for the worker role only. ConnFD
	// and ListenFDs are descriptor numbers in the child.
	ConnFD     int32
	Protocol   pgwire.Version
	Database   string
	User       string
	Options    string
	SessionEnv []string // NAME=value pairs, wire order preserved
	RemoteAddr string
	LocalAddr  string
	// Admission is the verdict the connection was spawned under; a
	// worker only ever sees AdmitOK today, but the verdict travels
	// with the rest of the negotiated fields.
	Admission consts.Admission

	CancelKey int32
	CryptSalt [2]byte
	MD5Salt   [4]byte

	DataDir   string
	ListenFDs []int32
	// Opaque storage-layer identifiers and table addresses, carried
	// through untouched.
	SharedMemKey  int64
	SharedMemID   int64
	LockTableAddr int64
	ProcTableAddr int64
	DebugLevel    int32
	SupervisorPID int32
	LogPipeFD     int32
	ExecPath      string
	ExtraOptions  string
	LCCollate     string
	LCCtype       string
}

// WriteSnapshot serializes st into a uniquely-named file under the
// transient directory and returns the path.
func WriteSnapshot(tempDir string, st *InheritedState) (string, error) {
	var buf bytes.Buffer
	w := &stateWriter{w: &buf}

	w.u32(snapshotMagic)
	w.u32(snapshotVersion)
	w.str(string(st.Role))
	w.i32(st.ConnFD)
	w.u32(uint32(st.Protocol))
	w.str(st.Database)
	w.str(st.User)
	w.str(st.Options)
	w.strs(st.SessionEnv)
	w.str(st.RemoteAddr)
	w.str(st.LocalAddr)
	w.i32(int32(st.Admission))
	w.i32(st.CancelKey)
	w.raw(st.CryptSalt[:])
	w.raw(st.MD5Salt[:])
	w.str(st.DataDir)
	w.i32s(st.ListenFDs)
	w.i64(st.SharedMemKey)
	w.i64(st.SharedMemID)
	w.i64(st.LockTableAddr)
	w.i64(st.ProcTableAddr)
	w.i32(st.DebugLevel)
	w.i32(st.SupervisorPID)
	w.i32(st.LogPipeFD)
	w.str(st.ExecPath)
	w.str(st.ExtraOptions)
	w.str(st.LCCollate)
	w.str(st.LCCtype)
	if w.err != nil {
		return "", errors.New(errors.ErrCodeSnapshotWriteFail, "launcher.WriteSnapshot",
			"encoding inherited state", w.err)
	}

	name := fmt.Sprintf("%s.%d.%s", consts.TempSnapshotPrefix, os.Getpid(), xid.New().String())
	path := filepath.Join(tempDir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return "", errors.New(errors.ErrCodeSnapshotWriteFail, "launcher.WriteSnapshot",
			"writing inherited state file", err)
	}
	return path, nil
}

// ReadSnapshot deserializes the file at path and removes it. Removal
// happens even on a malformed file; a snapshot is single-use.
func ReadSnapshot(path string) (*InheritedState, error) {
	data, err := os.ReadFile(path)
	os.Remove(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeSnapshotReadFail, "launcher.ReadSnapshot",
			"reading inherited state file", err)
	}

	r := &stateReader{buf: data}
	if magic := r.u32(); magic != snapshotMagic {
		return nil, errors.New(errors.ErrCodeSnapshotReadFail, "launcher.ReadSnapshot",
			fmt.Sprintf("bad snapshot magic %#x", magic), nil)
	}
	if v := r.u32(); v != snapshotVersion {
		return nil, errors.New(errors.ErrCodeSnapshotReadFail, "launcher.ReadSnapshot",
			fmt.Sprintf("unsupported snapshot version %d", v), nil)
	}

	st := &InheritedState{}
	st.Role = consts.ChildRole(r.str())
	st.ConnFD = r.i32()
	st.Protocol = pgwire.Version(r.u32())
	st.Database = r.str()
	st.User = r.str()
	st.Options = r.str()
	st.SessionEnv = r.strs()
	st.RemoteAddr = r.str()
	st.LocalAddr = r.str()
	st.Admission = consts.Admission(r.i32())
	st.CancelKey = r.i32()
	r.raw(st.CryptSalt[:])
	r.raw(st.MD5Salt[:])
	st.DataDir = r.str()
	st.ListenFDs = r.i32s()
	st.SharedMemKey = r.i64()
	st.SharedMemID = r.i64()
	st.LockTableAddr = r.i64()
	st.ProcTableAddr = r.i64()
	st.DebugLevel = r.i32()
	st.SupervisorPID = r.i32()
	st.LogPipeFD = r.i32()
	st.ExecPath = r.str()
	st.ExtraOptions = r.str()
	st.LCCollate = r.str()
	st.LCCtype = r.str()
	if r.err != nil {
		return nil, errors.New(errors.ErrCodeSnapshotReadFail, "launcher.ReadSnapshot",
			"decoding inherited state", r.err)
	}
	if len(r.buf) != 0 {
		return nil, errors.New(errors.ErrCodeSnapshotReadFail, "launcher.ReadSnapshot",
			fmt.Sprintf("%d trailing bytes after inherited state", len(r.buf)), nil)
	}
	return st, nil
}

type stateWriter struct {
	w   io.Writer
	err error
}

func (w *stateWriter) put(v any) {
	if w.err == nil {
		w.err = binary.Write(w.w, binary.BigEndian, v)
	}
}

func (w *stateWriter) u32(v uint32) { w.put(v) }
func (w *stateWriter) i32(v int32)  { w.put(v) }
func (w *stateWriter) i64(v int64)  { w.put(v) }

func (w *stateWriter) raw(b []byte) {
	if w.err == nil {
		_, w.err = w.w.Write(b)
	}
}

func (w *stateWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.raw([]byte(s))
}

func (w *stateWriter) strs(ss []string) {
	w.u32(uint32(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

func (w *stateWriter) i32s(vs []int32) {
	w.u32(uint32(len(vs)))
	for _, v := range vs {
		w.i32(v)
	}
}

type stateReader struct {
	buf []byte
	err error
}

func (r *stateReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *stateReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *stateReader) i32() int32 { return int32(r.u32()) }

func (r *stateReader) i64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *stateReader) raw(dst []byte) {
	b := r.take(len(dst))
	copy(dst, b)
}

func (r *stateReader) str() string {
	n := int(r.u32())
	return string(r.take(n))
}

func (r *stateReader) strs() []string {
	n := int(r.u32())
	if r.err != nil || n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.str())
	}
	return out
}

func (r *stateReader) i32s() []int32 {
	n := int(r.u32())
	if r.err != nil || n == 0 {
		return nil
	}
	out := make([]int32, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.i32())
	}
	return out
}
