package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInitializedBackend(t *testing.T) *SimulatedBackend {
	t.Helper()

	backend := NewSimulatedBackend()
	require.NoError(t, backend.Init())

	t.Cleanup(func() { _ = backend.Close() })

	return backend
}

func TestNewSimulatedBackend(t *testing.T) {
	backend := NewSimulatedBackend()
	require.NotNil(t, backend)

	err := backend.Init()
	require.NoError(t, err)

	defer backend.Close()

	assert.Equal(t, 0, backend.Counts().Total())
}

func TestSimulatedBackendNotInitialized(t *testing.T) {
	backend := NewSimulatedBackend()

	_, err := backend.GetDeviceList()
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)

	_, err = backend.OpenDevice("mlx5_0")
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)
}

func TestSimulatedBackendGetDeviceList(t *testing.T) {
	backend := newInitializedBackend(t)

	devices, err := backend.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "mlx5_0", devices[0].Name)
	assert.Equal(t, "mlx5_1", devices[1].Name)
	assert.Equal(t, uint32(0x15b3), devices[0].VendorID) // Mellanox
	assert.True(t, devices[0].VendorExtension)
}

func TestSimulatedBackendOpenDeviceUnknown(t *testing.T) {
	backend := newInitializedBackend(t)

	_, err := backend.OpenDevice("nonexistent")
	assert.ErrorIs(t, err, ErrSimulatedInvalid)
}

func TestSimulatedBackendQueryPortRange(t *testing.T) {
	backend := newInitializedBackend(t)

	ctx, err := backend.OpenDevice("mlx5_1")
	require.NoError(t, err)

	port, err := backend.QueryPort(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), port.LID)
	assert.Equal(t, PortStateActive, port.State)

	_, err = backend.QueryPort(ctx, 0)
	assert.ErrorIs(t, err, ErrSimulatedInvalid)

	_, err = backend.QueryPort(ctx, 2)
	assert.ErrorIs(t, err, ErrSimulatedInvalid)
}

func TestSimulatedBackendDestroyOrdering(t *testing.T) {
	backend := newInitializedBackend(t)

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	pd, err := backend.AllocPD(ctx)
	require.NoError(t, err)

	cq, err := backend.CreateCQ(ctx, 256)
	require.NoError(t, err)

	srq, err := backend.CreateSRQ(pd, 16, 1)
	require.NoError(t, err)

	qp, qpNum, err := backend.CreateQP(pd, &QPInitAttr{
		SendCQ: cq,
		RecvCQ: cq,
		SRQ:    srq,
		Type:   QPTypeRC,
		Cap:    QPCap{MaxSendWR: 256, MaxRecvWR: 256, MaxSendSGE: 1, MaxRecvSGE: 1, MaxInlineData: 64},
	})
	require.NoError(t, err)
	assert.NotZero(t, qpNum)

	// Everything still referenced by the QP is refused
	assert.ErrorIs(t, backend.DestroyCQ(cq), ErrSimulatedBusy)
	assert.ErrorIs(t, backend.DestroySRQ(srq), ErrSimulatedBusy)
	assert.ErrorIs(t, backend.DeallocPD(pd), ErrSimulatedBusy)
	assert.ErrorIs(t, backend.CloseDevice(ctx), ErrSimulatedBusy)

	require.NoError(t, backend.DestroyQP(qp))
	require.NoError(t, backend.DestroyCQ(cq))
	require.NoError(t, backend.DestroySRQ(srq))
	require.NoError(t, backend.DeallocPD(pd))
	require.NoError(t, backend.CloseDevice(ctx))

	assert.Equal(t, 0, backend.Counts().Total())
}

func TestSimulatedBackendRegMR(t *testing.T) {
	backend := newInitializedBackend(t)

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	pd, err := backend.AllocPD(ctx)
	require.NoError(t, err)

	mr, keys, err := backend.RegMR(pd, 0x1000, 4096, AccessFull)
	require.NoError(t, err)
	assert.NotZero(t, keys.LKey)
	assert.NotZero(t, keys.RKey)

	// Remote write without local write is rejected, as on hardware
	_, _, err = backend.RegMR(pd, 0x2000, 4096, AccessRemoteWrite)
	assert.ErrorIs(t, err, ErrSimulatedInvalid)

	_, _, err = backend.RegMR(pd, 0, 4096, AccessFull)
	assert.ErrorIs(t, err, ErrSimulatedInvalid)

	assert.ErrorIs(t, backend.DeallocPD(pd), ErrSimulatedBusy)
	require.NoError(t, backend.DeregMR(mr))
	require.NoError(t, backend.DeallocPD(pd))
}

func TestSimulatedBackendDeviceMemory(t *testing.T) {
	backend := newInitializedBackend(t)

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	pd, err := backend.AllocPD(ctx)
	require.NoError(t, err)

	_, err = backend.AllocDM(ctx, 1<<20)
	assert.ErrorIs(t, err, ErrSimulatedInvalid, "larger than MaxDMSize")

	dm, err := backend.AllocDM(ctx, 4096)
	require.NoError(t, err)

	mr, _, err := backend.RegDMMR(pd, dm, 4096, AccessFull)
	require.NoError(t, err)

	assert.ErrorIs(t, backend.FreeDM(dm), ErrSimulatedBusy)
	require.NoError(t, backend.DeregMR(mr))
	require.NoError(t, backend.FreeDM(dm))
}

func TestSimulatedBackendFaultInjection(t *testing.T) {
	backend := newInitializedBackend(t)

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	backend.InjectFault(SimOpCreateCQ, 1)

	_, err = backend.CreateCQ(ctx, 256)
	require.ErrorIs(t, err, ErrSimulatedFault)

	// The fault is consumed
	cq, err := backend.CreateCQ(ctx, 256)
	require.NoError(t, err)
	require.NoError(t, backend.DestroyCQ(cq))

	backend.InjectFault(SimOpAllocPD, -1)

	for range 3 {
		_, err = backend.AllocPD(ctx)
		assert.ErrorIs(t, err, ErrSimulatedFault)
	}

	backend.ClearFaults()

	_, err = backend.AllocPD(ctx)
	require.NoError(t, err)

	metrics := backend.GetMetrics()
	assert.Equal(t, int64(4), metrics["faults_injected"])
	assert.Equal(t, true, metrics["simulated"])
}

func TestSimulatedBackendCloseResets(t *testing.T) {
	backend := NewSimulatedBackend()
	require.NoError(t, backend.Init())

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	_, err = backend.AllocPD(ctx)
	require.NoError(t, err)

	require.NoError(t, backend.Close())
	assert.Equal(t, 0, backend.Counts().Total())
}

func TestNewBackend(t *testing.T) {
	backend, err := NewBackend(BackendSimulated)
	require.NoError(t, err)
	assert.IsType(t, &SimulatedBackend{}, backend)

	_, err = NewBackend("quantum")
	assert.Error(t, err)
}
