package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

const (
	fileName     = "realtime.yaml"
	lockFileName = "realtime.yaml.lock"

	lockRetryDelay = 10 * time.Millisecond
	lockTimeout    = 5 * time.Second
)

type FileError struct {
	Path     string
	InnerErr error
}

func (f *FileError) Error() string {
	return fmt.Sprintf("error accessing storage file %s: %s", f.Path, f.InnerErr)
}

func (f *FileError) Unwrap() error { return f.InnerErr }

// FileStorage keeps values in a yaml file guarded by a lock file so that several
// processes sharing a storage directory never interleave writes
type FileStorage struct {
	path string
	lock *flock.Flock
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	return &FileStorage{
		path: filepath.Join(dir, fileName),
		lock: flock.New(filepath.Join(dir, lockFileName)),
	}, nil
}

func (f *FileStorage) Get(key string) (string, bool, error) {
	var value string
	var ok bool

	err := f.locked(func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		value, ok = values[key]
		return nil
	})
	return value, ok, err
}

func (f *FileStorage) Set(key string, value string) error {
	return f.locked(func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		values[key] = value
		return f.save(values)
	})
}

func (f *FileStorage) Remove(key string) error {
	return f.locked(func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		if _, ok := values[key]; !ok {
			return nil
		}
		delete(values, key)
		return f.save(values)
	})
}

func (f *FileStorage) locked(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	if acquired, err := f.lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	} else if !acquired {
		return fmt.Errorf("failed to acquire lock on %s", f.path)
	}
	defer f.lock.Unlock()

	return fn()
}

func (f *FileStorage) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	} else if err != nil {
		return nil, &FileError{Path: f.path, InnerErr: err}
	}

	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, &FileError{Path: f.path, InnerErr: err}
	}
	if values == nil {
		values = map[string]string{}
	}
	return values, nil
}

func (f *FileStorage) save(values map[string]string) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return err
	}

	// write then rename so a crash never leaves a half written file
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return &FileError{Path: tmp, InnerErr: err}
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return &FileError{Path: f.path, InnerErr: err}
	}
	return nil
}
