package backup

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/grovekit/grove/pkg/errdefs"
)

// FakeObjectStore keeps archives in memory for tests.
type FakeObjectStore struct {
	mu      sync.Mutex
	Objects map[string][]byte
	// UploadErr fails the next Upload when set.
	UploadErr error
}

func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{Objects: make(map[string][]byte)}
}

func (f *FakeObjectStore) Upload(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		err := f.UploadErr
		f.UploadErr = nil
		return 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.Objects[key] = data
	return int64(len(data)), nil
}

func (f *FakeObjectStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Objects[key]
	if !ok {
		return nil, errdefs.NotFound("archive %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *FakeObjectStore) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Objects, key)
	return nil
}

// FakeSnapshotter produces a fixed payload and records loads.
type FakeSnapshotter struct {
	mu      sync.Mutex
	Payload []byte
	DumpErr error

	Loaded      [][]byte
	LoadedTimes []time.Time
}

func (f *FakeSnapshotter) Dump(ctx context.Context, addr string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DumpErr != nil {
		err := f.DumpErr
		f.DumpErr = nil
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(f.Payload)), nil
}

func (f *FakeSnapshotter) Load(ctx context.Context, addr string, r io.Reader, pointInTime time.Time) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Loaded = append(f.Loaded, data)
	f.LoadedTimes = append(f.LoadedTimes, pointInTime)
	return nil
}

// staticTopology is a Topology fake.
type staticTopology struct{ active bool }

func (s staticTopology) MembershipChangeActive() bool { return s.active }
