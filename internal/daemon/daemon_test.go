package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peermem/p2pmmap/internal/cfg"
	"github.com/peermem/p2pmmap/internal/pci"
	"github.com/peermem/p2pmmap/internal/peermem"
	"github.com/peermem/p2pmmap/internal/session"
)

// recorder collects lifecycle events so teardown ordering can be
// asserted.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.events...)
}

type recordingPool struct {
	*peermem.BufferPool
	rec *recorder
}

func (p *recordingPool) Free(b *peermem.Block) error {
	p.rec.add("pool.free")

	return p.BufferPool.Free(b)
}

func (p *recordingPool) Close() error {
	p.rec.add("pool.close")

	return p.BufferPool.Close()
}

type fakeRegistrar struct {
	rec      *recorder
	startErr error
}

func (r *fakeRegistrar) Start() error {
	r.rec.add("registrar.start")

	return r.startErr
}

func (r *fakeRegistrar) Stop() error {
	r.rec.add("registrar.stop")

	return nil
}

func newSysfsDevice(t *testing.T, addr pci.Address) pci.SysfsBus {
	t.Helper()

	root := t.TempDir()
	dir := filepath.Join(root, addr.String())
	require.NoError(t, os.MkdirAll(dir, 0o755))

	return pci.SysfsBus{Root: root}
}

func testOptions(t *testing.T, rec *recorder, poolPages int64, startErr error) Options {
	t.Helper()

	return Options{
		Bus: newSysfsDevice(t, pci.Address{Bus: 0x3b}),
		OpenPool: func(dev *pci.Device) (peermem.Pool, error) {
			return &recordingPool{
				BufferPool: peermem.NewBufferPool(poolPages * peermem.PageSize),
				rec:        rec,
			}, nil
		},
		NewRegistrar: func(svc *session.Service, log *zap.Logger) (Registrar, error) {
			return &fakeRegistrar{rec: rec, startErr: startErr}, nil
		},
	}
}

func testConfig(size int64) cfg.Config {
	return cfg.Config{
		TargetPCIDev: "0000:3b:00.0",
		P2PMemSize:   size,
	}
}

func TestStart_MissingLocator(t *testing.T) {
	t.Parallel()

	rec := &recorder{}

	conf := testConfig(peermem.PageSize)
	conf.TargetPCIDev = ""

	_, err := Start(conf, zap.NewNop(), testOptions(t, rec, 4, nil))
	require.ErrorIs(t, err, ErrMissingLocator)
	assert.Empty(t, rec.all())
}

func TestStart_MalformedLocator(t *testing.T) {
	t.Parallel()

	rec := &recorder{}

	conf := testConfig(peermem.PageSize)
	conf.TargetPCIDev = "not-a-device"

	_, err := Start(conf, zap.NewNop(), testOptions(t, rec, 4, nil))
	require.ErrorIs(t, err, pci.ErrMalformedLocator)
}

func TestStart_DeviceNotFound(t *testing.T) {
	t.Parallel()

	rec := &recorder{}

	conf := testConfig(peermem.PageSize)
	conf.TargetPCIDev = "0000:7f:00.0"

	_, err := Start(conf, zap.NewNop(), testOptions(t, rec, 4, nil))
	require.ErrorIs(t, err, pci.ErrDeviceNotFound)
}

func TestStart_UnsupportedDevice(t *testing.T) {
	t.Parallel()

	rec := &recorder{}

	opts := testOptions(t, rec, 4, nil)
	opts.OpenPool = func(dev *pci.Device) (peermem.Pool, error) {
		pool := peermem.NewBufferPool(4 * peermem.PageSize)
		pool.Disabled = true

		return &recordingPool{BufferPool: pool, rec: rec}, nil
	}

	_, err := Start(testConfig(peermem.PageSize), zap.NewNop(), opts)
	require.ErrorIs(t, err, peermem.ErrUnsupportedDevice)

	// The failed reservation still closes the pool and the device.
	assert.Equal(t, []string{"pool.close"}, rec.all())
}

func TestStart_InvalidSize(t *testing.T) {
	t.Parallel()

	rec := &recorder{}

	_, err := Start(testConfig(100), zap.NewNop(), testOptions(t, rec, 4, nil))
	require.ErrorIs(t, err, peermem.ErrInvalidSize)
}

func TestStart_AllocationFailed(t *testing.T) {
	t.Parallel()

	rec := &recorder{}

	_, err := Start(testConfig(8*peermem.PageSize), zap.NewNop(), testOptions(t, rec, 2, nil))
	require.ErrorIs(t, err, peermem.ErrAllocationFailed)
	assert.Equal(t, []string{"pool.close"}, rec.all())
}

func TestStart_RegistrationFailed(t *testing.T) {
	t.Parallel()

	rec := &recorder{}

	_, err := Start(
		testConfig(peermem.PageSize),
		zap.NewNop(),
		testOptions(t, rec, 4, errors.New("endpoint refused")))
	require.ErrorIs(t, err, ErrRegistrationFailed)

	// Registration failure unwinds everything acquired before it.
	assert.Equal(t, []string{"registrar.start", "registrar.stop", "pool.free", "pool.close"}, rec.all())
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	rec := &recorder{}

	d, err := Start(testConfig(2*peermem.PageSize), zap.NewNop(), testOptions(t, rec, 4, nil))
	require.NoError(t, err)
	require.NotNil(t, d.Service())

	require.NoError(t, d.Service().TryOpen())
	d.Service().Close()

	require.NoError(t, d.Close())

	// Teardown runs in strict reverse order of acquisition.
	assert.Equal(t, []string{"registrar.start", "registrar.stop", "pool.free", "pool.close"}, rec.all())

	// Close is idempotent.
	require.NoError(t, d.Close())
	assert.Equal(t, []string{"registrar.start", "registrar.stop", "pool.free", "pool.close"}, rec.all())
}
