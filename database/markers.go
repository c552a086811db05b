package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"discord-archiver/models"

	"github.com/danjacques/gofslock/fslock"
)

const (
	syncMarkerFile = "last_sync"
	lockFile       = "archiver.lock"
	pidFile        = "archiver.pid"
)

// MarkerStore 管理状态目录下的同步标记文件。
type MarkerStore struct {
	dir   string
	mutex sync.Mutex
}

// NewMarkerStore 创建标记存储，dir 不存在时会被创建
func NewMarkerStore(dir string) (*MarkerStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &MarkerStore{dir: dir}, nil
}

// ReadSyncMarker 读取上次正常退出时写入的时间戳。
// 文件不存在或内容损坏时返回 ok=false，调用方应按首次运行处理。
func (ms *MarkerStore) ReadSyncMarker() (t time.Time, ok bool, err error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	data, err := os.ReadFile(filepath.Join(ms.dir, syncMarkerFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read sync marker: %w", err)
	}

	t, perr := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if perr != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// WriteSyncMarker 写入同步标记，先写临时文件再重命名。
func (ms *MarkerStore) WriteSyncMarker(t time.Time) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	path := filepath.Join(ms.dir, syncMarkerFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(t.UTC().Format(time.RFC3339Nano)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write sync marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit sync marker: %w", err)
	}
	return nil
}

// ProcessLock 防止两个归档进程同时修改同一份归档。
// 锁本身由操作系统文件锁保证，pid 文件仅用于排查。
type ProcessLock struct {
	dir    string
	handle fslock.Handle
}

// AcquireLock 获取进程锁；已有实例运行时返回 models.ErrLockConflict。
func AcquireLock(dir string) (*ProcessLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	handle, err := fslock.Lock(filepath.Join(dir, lockFile))
	if err != nil {
		if err == fslock.ErrLockHeld {
			if pid, ok := ReadLockPID(dir); ok {
				return nil, fmt.Errorf("%w (pid %d)", models.ErrLockConflict, pid)
			}
			return nil, models.ErrLockConflict
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(filepath.Join(dir, pidFile), []byte(pid+"\n"), 0644); err != nil {
		handle.Unlock()
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return &ProcessLock{dir: dir, handle: handle}, nil
}

// ReadLockPID 读取锁文件中记录的进程 ID
func ReadLockPID(dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, pidFile))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// Release 释放进程锁并删除 pid 文件
func (l *ProcessLock) Release() error {
	if l == nil || l.handle == nil {
		return nil
	}
	os.Remove(filepath.Join(l.dir, pidFile))
	err := l.handle.Unlock()
	l.handle = nil
	return err
}
