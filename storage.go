package encfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/absfs/absfs"
)

// FileType is the kind of filesystem object reported by Storage.Attrs.
type FileType uint8

const (
	FileTypeUnknown FileType = iota
	FileTypeDirectory
	FileTypeRegular
	FileTypeSymlink
)

// String returns the string representation of the file type
func (t FileType) String() string {
	switch t {
	case FileTypeDirectory:
		return "directory"
	case FileTypeRegular:
		return "regular"
	case FileTypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// PosixAttrs holds ownership and permission bits where the platform has them.
type PosixAttrs struct {
	UID  uint32
	GID  uint32
	Mode fs.FileMode
}

// FileAttrs is the attribute set returned by Storage.Attrs.
type FileAttrs struct {
	Type    FileType
	ModTime time.Time
	Size    int64
	Posix   *PosixAttrs // nil when the base filesystem does not expose ownership
}

// XattrFlags controls SetXattr. Create fails if the attribute exists and
// Replace fails if it does not. Both unset means create or replace.
type XattrFlags struct {
	Create  bool
	Replace bool
}

// Storage is the I/O capability a volume is bootstrapped against. Bootstrap
// itself only touches Exists, IsDirectory, ReadAll, WriteAll and MkdirAll.
type Storage interface {
	Exists(path string) (bool, error)
	IsDirectory(path string) (bool, error)
	ReadAll(path string) ([]byte, error)
	WriteAll(path string, data []byte) error
	MkdirAll(path string) error

	Attrs(path string) (FileAttrs, error)
	Readlink(path string) (string, error)

	ListXattr(path string) ([]string, error)
	GetXattr(path, name string) ([]byte, error)
	SetXattr(path, name string, value []byte, flags XattrFlags) error
}

// Optional base filesystem capabilities.
type (
	linkReader interface {
		Readlink(name string) (string, error)
	}

	lstater interface {
		Lstat(name string) (os.FileInfo, error)
	}

	// XattrFS is implemented by base filesystems that store extended
	// attributes. GetXattr returns ErrNoAttribute for a missing name.
	XattrFS interface {
		ListXattr(path string) ([]string, error)
		GetXattr(path, name string) ([]byte, error)
		SetXattr(path, name string, value []byte) error
	}
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// fsStorage implements Storage over an absfs filesystem
type fsStorage struct {
	base absfs.FileSystem
}

// NewStorage returns a Storage backed by base.
func NewStorage(base absfs.FileSystem) (Storage, error) {
	if base == nil {
		return nil, fmt.Errorf("base filesystem cannot be nil")
	}
	return &fsStorage{base: base}, nil
}

func (s *fsStorage) Exists(name string) (bool, error) {
	_, err := s.lstat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *fsStorage) IsDirectory(name string) (bool, error) {
	info, err := s.base.Stat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fsStorage) ReadAll(name string) ([]byte, error) {
	f, err := s.base.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WriteAll creates or truncates the file and writes data.
func (s *fsStorage) WriteAll(name string, data []byte) error {
	f, err := s.base.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *fsStorage) MkdirAll(name string) error {
	return s.base.MkdirAll(name, dirPerm)
}

func (s *fsStorage) lstat(name string) (os.FileInfo, error) {
	if l, ok := s.base.(lstater); ok {
		return l.Lstat(name)
	}
	return s.base.Stat(name)
}

func (s *fsStorage) Attrs(name string) (FileAttrs, error) {
	info, err := s.lstat(name)
	if err != nil {
		return FileAttrs{}, err
	}
	attrs := FileAttrs{
		Type:    fileTypeOf(info.Mode()),
		ModTime: info.ModTime(),
		Size:    info.Size(),
	}
	if uid, gid, ok := ownerOf(info); ok {
		attrs.Posix = &PosixAttrs{UID: uid, GID: gid, Mode: info.Mode().Perm()}
	}
	return attrs, nil
}

func fileTypeOf(mode fs.FileMode) FileType {
	switch {
	case mode.IsDir():
		return FileTypeDirectory
	case mode&fs.ModeSymlink != 0:
		return FileTypeSymlink
	case mode.IsRegular():
		return FileTypeRegular
	default:
		return FileTypeUnknown
	}
}

func (s *fsStorage) Readlink(name string) (string, error) {
	l, ok := s.base.(linkReader)
	if !ok {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: ErrNotSupported}
	}
	return l.Readlink(name)
}

func (s *fsStorage) xattrs(op, name string) (XattrFS, error) {
	x, ok := s.base.(XattrFS)
	if !ok {
		return nil, &fs.PathError{Op: op, Path: name, Err: ErrNotSupported}
	}
	return x, nil
}

func (s *fsStorage) ListXattr(name string) ([]string, error) {
	x, err := s.xattrs("listxattr", name)
	if err != nil {
		return nil, err
	}
	return x.ListXattr(name)
}

func (s *fsStorage) GetXattr(name, attr string) ([]byte, error) {
	x, err := s.xattrs("getxattr", name)
	if err != nil {
		return nil, err
	}
	return x.GetXattr(name, attr)
}

func (s *fsStorage) SetXattr(name, attr string, value []byte, flags XattrFlags) error {
	x, err := s.xattrs("setxattr", name)
	if err != nil {
		return err
	}
	if flags.Create && flags.Replace {
		return &ValidationError{Field: "flags", Value: flags, Message: "Create and Replace are mutually exclusive"}
	}
	if flags.Create || flags.Replace {
		_, err := x.GetXattr(name, attr)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNoAttribute) {
			return err
		}
		if flags.Create && exists {
			return &fs.PathError{Op: "setxattr", Path: name, Err: fs.ErrExist}
		}
		if flags.Replace && !exists {
			return &fs.PathError{Op: "setxattr", Path: name, Err: ErrNoAttribute}
		}
	}
	return x.SetXattr(name, attr, value)
}
