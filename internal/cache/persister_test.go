package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/domain"
	"fleettrack/internal/tracker"
)

type memStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	sets   int
	setErr error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) SetJSONCompressed(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	data, err := encodeJSONGzip(value)
	if err != nil {
		return err
	}
	m.data[key] = data
	m.sets++
	return nil
}

func (m *memStore) GetJSONCompressed(_ context.Context, key string, dest interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, decodeJSONGzip(data, dest)
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

func logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSaveAndRestore(t *testing.T) {
	store := newMemStore()

	src := tracker.New(nil, tracker.Options{Zoom: 13}, logger())
	src.ApplyBatch([]domain.TrackedVehicle{
		{ID: "7", Position: &domain.Position{Latitude: 1, Longitude: 2}, Status: domain.StatusInUse},
		{ID: "8"},
	})
	require.NoError(t, NewPersister(store, src, "a", time.Hour, logger()).Save(context.Background()))

	dst := tracker.New(nil, tracker.Options{}, logger())
	found, err := NewPersister(store, dst, "a", time.Hour, logger()).Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, dst.Ready())
	assert.Len(t, dst.Vehicles(), 2)
	sel, ok := dst.Selected()
	require.True(t, ok)
	assert.Equal(t, domain.VehicleID("7"), sel.ID)
	assert.Len(t, dst.Trail(), 1)
	assert.Equal(t, 1.0, dst.Viewport().Center.Latitude)
}

func TestRestoreMissingKey(t *testing.T) {
	tr := tracker.New(nil, tracker.Options{}, logger())
	found, err := NewPersister(newMemStore(), tr, "none", time.Hour, logger()).Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, tr.Ready())
}

func TestSaveSkipsUnchanged(t *testing.T) {
	store := newMemStore()
	tr := tracker.New(nil, tracker.Options{}, logger())
	p := NewPersister(store, tr, "a", time.Hour, logger())

	require.NoError(t, p.Save(context.Background()))
	assert.Equal(t, 0, store.setCount())

	tr.ApplyBatch([]domain.TrackedVehicle{{ID: "1"}})
	require.NoError(t, p.Save(context.Background()))
	require.NoError(t, p.Save(context.Background()))
	assert.Equal(t, 1, store.setCount())
}

func TestSaveReportsErrors(t *testing.T) {
	store := newMemStore()
	store.setErr = errors.New("down")
	tr := tracker.New(nil, tracker.Options{}, logger())
	tr.ApplyBatch([]domain.TrackedVehicle{{ID: "1"}})

	var hooked error
	p := NewPersister(store, tr, "a", time.Hour, logger())
	p.OnSave(func(err error) { hooked = err })

	err := p.Save(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.setErr)
	assert.Equal(t, store.setErr, hooked)
}

func TestRunFlushesOnCancel(t *testing.T) {
	store := newMemStore()
	tr := tracker.New(nil, tracker.Options{}, logger())
	tr.ApplyBatch([]domain.TrackedVehicle{{ID: "1"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewPersister(store, tr, "a", time.Hour, logger()).Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done
	assert.Equal(t, 1, store.setCount())
}

func TestSaveAfterSelectionChange(t *testing.T) {
	store := newMemStore()
	tr := tracker.New(nil, tracker.Options{}, logger())
	tr.ApplyBatch([]domain.TrackedVehicle{
		{ID: "1", Position: &domain.Position{Latitude: 1, Longitude: 1}},
		{ID: "2", Position: &domain.Position{Latitude: 2, Longitude: 2}},
	})
	p := NewPersister(store, tr, "a", time.Hour, logger())
	require.NoError(t, p.Save(context.Background()))

	require.NoError(t, tr.SelectVehicle("2"))
	require.NoError(t, p.Save(context.Background()))
	assert.Equal(t, 2, store.setCount())

	tr.SetZoom(9)
	require.NoError(t, p.Save(context.Background()))
	assert.Equal(t, 3, store.setCount())

	restored := tracker.New(nil, tracker.Options{}, logger())
	_, err := NewPersister(store, restored, "a", time.Hour, logger()).Restore(context.Background())
	require.NoError(t, err)
	sel, ok := restored.Selected()
	require.True(t, ok)
	assert.Equal(t, domain.VehicleID("2"), sel.ID)
	assert.Equal(t, 9, restored.Viewport().Zoom)
}

func TestRestoreDoesNotResave(t *testing.T) {
	store := newMemStore()
	src := tracker.New(nil, tracker.Options{}, logger())
	src.ApplyBatch([]domain.TrackedVehicle{{ID: "1"}})
	require.NoError(t, NewPersister(store, src, "a", time.Hour, logger()).Save(context.Background()))

	dst := tracker.New(nil, tracker.Options{}, logger())
	p := NewPersister(store, dst, "a", time.Hour, logger())
	_, err := p.Restore(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Save(context.Background()))
	assert.Equal(t, 1, store.setCount())
}

func TestRestoreDropsCorruptState(t *testing.T) {
	store := newMemStore()
	store.data[KeyTrackerState("a")] = []byte("not gzip")

	tr := tracker.New(nil, tracker.Options{}, logger())
	found, err := NewPersister(store, tr, "a", time.Hour, logger()).Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, tr.Ready())
	assert.NotContains(t, store.data, KeyTrackerState("a"))
}

func TestDecodeJSONGzipMarksCorruption(t *testing.T) {
	var dest map[string]int
	assert.ErrorIs(t, decodeJSONGzip([]byte("plain"), &dest), ErrCorruptState)

	data, err := encodeJSONGzip([]int{1})
	require.NoError(t, err)
	assert.ErrorIs(t, decodeJSONGzip(data, &dest), ErrCorruptState)
}
