package central

import (
	"context"
	"testing"
	"time"

	"github.com/srgg/gocentral/adv"
	"github.com/srgg/gocentral/att"
	"github.com/srgg/gocentral/backend"
	"github.com/srgg/gocentral/backend/fake"
	"github.com/srgg/gocentral/gatterr"
	"github.com/srgg/gocentral/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildHeartRateTable() *att.AttributeTable {
	b := att.NewBuilder()
	svc := b.AddService(1, uuid.MustNormalize("180d"))
	ch := b.AddCharacteristic(svc, 2, 3, uuid.MustNormalize("2a37"), att.PropRead|att.PropNotify)
	_ = b.AddDescriptor(ch, 4, uuid.MustNormalize("2902"))
	writable := b.AddCharacteristic(svc, 5, 6, uuid.MustNormalize("2a38"), att.PropWrite|att.PropWriteWithoutResponse)
	_ = writable
	return b.Build(1)
}

func dialFakeClient(t *testing.T, conn *fake.Connection) (*Client, *fake.Backend) {
	t.Helper()
	fb := fake.New()
	fb.ConnectFunc = func(ctx context.Context, identity adv.Identity, timeout time.Duration) (backend.Connection, error) {
		return conn, nil
	}
	c := NewClient(fb, DefaultConfig())
	require.NoError(t, c.Connect(context.Background(), adv.DiscoveredDevice{Identity: adv.Identity{Canonical: "AA:BB"}}, ConnectOptions{}))
	return c, fb
}

func TestClientConnectDisconnectLifecycle(t *testing.T) {
	conn := fake.NewConnection().WithTable(buildHeartRateTable())
	c, _ := dialFakeClient(t, conn)
	assert.Equal(t, Connected, c.State())

	var gotErr error
	fired := make(chan struct{}, 1)
	c.SetDisconnectedCallback(func(err error) {
		gotErr = err
		fired <- struct{}{}
	})

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, Disconnected, c.State())
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("disconnected callback never fired")
	}
	assert.NoError(t, gotErr)

	require.NoError(t, c.Disconnect(context.Background()), "Disconnect must be idempotent")
}

func TestClientReadAndWrite(t *testing.T) {
	conn := fake.NewConnection().WithTable(buildHeartRateTable())
	c, _ := dialFakeClient(t, conn)
	defer c.Disconnect(context.Background())

	data, err := c.ReadGATTChar(context.Background(), att.CharByUUID(uuid.MustNormalize("2a37")))
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, c.WriteGATTChar(context.Background(), att.CharByUUID(uuid.MustNormalize("2a38")), []byte{1, 2, 3}, false))
}

// TestClientWriteSizeEnforcement covers scenario S6: a write-without-response
// payload larger than MTU-3 must fail with InvalidArgument/DataTooLong,
// without ever reaching the backend.
func TestClientWriteSizeEnforcement(t *testing.T) {
	conn := fake.NewConnection().WithTable(buildHeartRateTable()).WithMTU(23)
	c, _ := dialFakeClient(t, conn)
	defer c.Disconnect(context.Background())

	tooLong := make([]byte, 21) // MTU 23 allows 20 bytes max
	err := c.WriteGATTChar(context.Background(), att.CharByUUID(uuid.MustNormalize("2a38")), tooLong, false)
	require.Error(t, err)
	assert.True(t, gatterr.Is(err, gatterr.InvalidArgument))
}

// TestClientAmbiguousCharacteristic covers scenario S3 at the Client level:
// two services sharing a characteristic UUID must fail ByUUID resolution.
func TestClientAmbiguousCharacteristic(t *testing.T) {
	b := att.NewBuilder()
	svcA := b.AddService(1, uuid.MustNormalize("180d"))
	b.AddCharacteristic(svcA, 2, 3, uuid.MustNormalize("2a37"), att.PropRead)
	svcB := b.AddService(10, uuid.MustNormalize("180d"))
	b.AddCharacteristic(svcB, 11, 12, uuid.MustNormalize("2a37"), att.PropRead)
	table := b.Build(1)

	conn := fake.NewConnection().WithTable(table)
	c, _ := dialFakeClient(t, conn)
	defer c.Disconnect(context.Background())

	_, err := c.ReadGATTChar(context.Background(), att.CharByUUID(uuid.MustNormalize("2a37")))
	require.Error(t, err)
	assert.True(t, gatterr.Is(err, gatterr.Ambiguous))
}

// TestClientNotificationOrdering covers scenario S2: notifications for one
// characteristic arrive at the user callback in the order the backend
// delivered them, with no drops.
func TestClientNotificationOrdering(t *testing.T) {
	conn := fake.NewConnection().WithTable(buildHeartRateTable())
	c, _ := dialFakeClient(t, conn)
	defer c.Disconnect(context.Background())

	var got []byte
	done := make(chan struct{})
	require.NoError(t, c.StartNotify(context.Background(), att.CharByUUID(uuid.MustNormalize("2a37")), false, func(valueHandle uint16, data []byte) {
		assert.Equal(t, uint16(3), valueHandle)
		got = append(got, data...)
		if len(got) == 5 {
			close(done)
		}
	}))

	for i := byte(1); i <= 5; i++ {
		conn.SimulateNotify(3, []byte{i})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("did not receive all notifications")
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, got)

	require.NoError(t, c.StopNotify(context.Background(), att.CharByUUID(uuid.MustNormalize("2a37"))))
	require.NoError(t, c.StopNotify(context.Background(), att.CharByUUID(uuid.MustNormalize("2a37"))), "StopNotify must be idempotent")
}

func TestClientDoubleSubscribeErrors(t *testing.T) {
	conn := fake.NewConnection().WithTable(buildHeartRateTable())
	c, _ := dialFakeClient(t, conn)
	defer c.Disconnect(context.Background())

	spec := att.CharByUUID(uuid.MustNormalize("2a37"))
	require.NoError(t, c.StartNotify(context.Background(), spec, false, func(uint16, []byte) {}))
	err := c.StartNotify(context.Background(), spec, false, func(uint16, []byte) {})
	assert.Error(t, err)
}

// TestClientReadAfterDisconnectFails covers the last part of scenario S4:
// once disconnected, reads must fail with NotConnected.
func TestClientReadAfterDisconnectFails(t *testing.T) {
	conn := fake.NewConnection().WithTable(buildHeartRateTable())
	c, _ := dialFakeClient(t, conn)

	require.NoError(t, c.Disconnect(context.Background()))

	_, err := c.ReadGATTChar(context.Background(), att.CharByUUID(uuid.MustNormalize("2a37")))
	require.Error(t, err)
	assert.True(t, gatterr.Is(err, gatterr.NotConnected))
}

func TestClientPeripheralInitiatedDisconnectFiresCallbackOnce(t *testing.T) {
	conn := fake.NewConnection().WithTable(buildHeartRateTable())
	c, _ := dialFakeClient(t, conn)

	count := 0
	fired := make(chan struct{}, 1)
	c.SetDisconnectedCallback(func(err error) {
		count++
		fired <- struct{}{}
	})

	conn.SimulateDisconnect(nil)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("disconnected callback never fired")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, count)
	assert.Equal(t, Disconnected, c.State())
}
