/*
 * Project: ice-lite
 * ---------------------
 * Authors:
 *   Minjian Chen 813534
 *   Shijie Liu   813277
 *   Weizhi Xu    752454
 *   Wenqing Xue  813044
 *   Zijun Chen   813190
 */

package locator

import (
	"bytes"
	"encoding/gob"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Store persists the registry state.
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) (bool, error)
	Close() error
}

// MemoryStore keeps the last saved state in memory.
type MemoryStore struct {
	lock sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(data interface{}) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return errors.WithStack(err)
	}
	m.data = buf.Bytes()
	return nil
}

func (m *MemoryStore) Load(data interface{}) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.data) == 0 {
		return false, nil
	}
	return true, errors.WithStack(gob.NewDecoder(bytes.NewReader(m.data)).Decode(data))
}

func (m *MemoryStore) Close() error {
	return nil
}

// FileStore writes every save to a file, atomically. The file is guarded
// by a lock file so that only one registry uses it.
type FileStore struct {
	lock     sync.Mutex
	filepath string
	flock    *flock.Flock
}

// NewFileStore locks filepath and returns a store writing to it.
func NewFileStore(filepath string) (*FileStore, error) {
	fl := flock.New(filepath + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to lock %s", filepath)
	}
	if !locked {
		return nil, errors.Errorf("unable to lock %s, make sure there isn't another registry running", filepath)
	}
	return &FileStore{filepath: filepath, flock: fl}, nil
}

func (f *FileStore) Save(data interface{}) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(atomic.WriteFile(f.filepath, &buf))
}

func (f *FileStore) Load(data interface{}) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return loadFile(f.filepath, data)
}

func (f *FileStore) Close() error {
	return f.flock.Unlock()
}

func loadFile(path string, data interface{}) (bool, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	defer file.Close()
	return true, errors.WithStack(gob.NewDecoder(file).Decode(data))
}

// HybridStore keeps saves in memory and writes them to disk periodically,
// reducing IO for registries with many updates. Close flushes.
type HybridStore struct {
	file    *FileStore
	lock    sync.Mutex
	data    []byte
	changed bool
	logger  *logrus.Entry
	stop    chan struct{}
	stopped chan struct{}
}

func NewHybridStore(filepath string, interval time.Duration, clk clock.Clock, logger *logrus.Entry) (*HybridStore, error) {
	file, err := NewFileStore(filepath)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	h := &HybridStore{
		file:    file,
		logger:  logger,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	ticker := clk.Ticker(interval)
	go func() {
		defer close(h.stopped)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := h.Flush(); err != nil && h.logger != nil {
					h.logger.Errorf("[HybridStore] Unable to flush: %v", err)
				}
			case <-h.stop:
				return
			}
		}
	}()
	return h, nil
}

func (h *HybridStore) Save(data interface{}) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return errors.WithStack(err)
	}
	h.data = buf.Bytes()
	h.changed = true
	return nil
}

func (h *HybridStore) Load(data interface{}) (bool, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.data) != 0 {
		return true, errors.WithStack(gob.NewDecoder(bytes.NewReader(h.data)).Decode(data))
	}
	return loadFile(h.file.filepath, data)
}

// Flush writes pending changes to disk.
func (h *HybridStore) Flush() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.changed {
		return nil
	}
	if err := atomic.WriteFile(h.file.filepath, bytes.NewReader(h.data)); err != nil {
		return errors.WithStack(err)
	}
	h.changed = false
	return nil
}

func (h *HybridStore) Close() error {
	close(h.stop)
	<-h.stopped
	err := h.Flush()
	if uerr := h.file.Close(); err == nil {
		err = uerr
	}
	return err
}
