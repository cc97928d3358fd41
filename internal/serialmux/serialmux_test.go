package serialmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/biostate.report/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

// monitor runs Monitor in the background and returns a function that
// waits for it to finish.
func monitor(t *testing.T, ctx context.Context, b *Bridge[*FakePort]) func() error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Monitor(ctx) }()
	return func() error {
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("Monitor did not return")
			return nil
		}
	}
}

func recv(t *testing.T, c <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-c:
		require.True(t, ok, "subscription closed")
		return line
	case <-time.After(time.Second):
		t.Fatal("no line delivered")
		return ""
	}
}

func TestBridge_StartSyncsClockThenStreams(t *testing.T) {
	port := NewFakePort()
	b := NewBridge(port, timeutil.NewMockClock(t0))

	require.NoError(t, b.Initialize())
	assert.Equal(t, "T=1748764800\nSTOP\nFORMAT CSV\nSTART eeg\nSTART ppg\nSTART acc\n", port.Written())
}

func TestBridge_StartReportsFailedCommand(t *testing.T) {
	port := NewFakePort()
	port.WriteErr = errors.New("device unplugged")
	b := NewBridge(port, timeutil.NewMockClock(t0))
	assert.ErrorContains(t, b.Start("ppg"), "failed to synchronize clock: device unplugged")
}

func TestBridge_SendCommand(t *testing.T) {
	port := NewFakePort()
	b := NewBridge(port, nil)

	require.NoError(t, b.SendCommand("START ppg"))
	require.NoError(t, b.SendCommand("STOP\n"))
	assert.Equal(t, "START ppg\nSTOP\n", port.Written())

	port.ShortWrite = true
	assert.ErrorIs(t, b.SendCommand("STOP"), ErrWriteFailed)
}

func TestBridge_MonitorFansOutByKind(t *testing.T) {
	port := NewFakePort()
	clock := timeutil.NewMockClock(t0)
	b := NewBridge(port, clock)

	_, all := b.Subscribe()
	_, ppg := b.Subscribe(EventTypePPG)
	_, motion := b.Subscribe(EventTypeACC, EventTypeExpression)

	ctx, cancel := context.WithCancel(context.Background())
	wait := monitor(t, ctx, b)

	port.Feed("# firmware 2.1\r\neeg,0,1,2,3,4\r\n\r\nppg,0,512\nacc,0,0,0,1\nexpr,0,sad,0.8\n")

	assert.Equal(t, "# firmware 2.1", recv(t, all))
	assert.Equal(t, "eeg,0,1,2,3,4", recv(t, all), "CR and blank lines are stripped")
	assert.Equal(t, "ppg,0,512", recv(t, all))
	assert.Equal(t, "ppg,0,512", recv(t, ppg))
	assert.Equal(t, "acc,0,0,0,1", recv(t, motion))
	assert.Equal(t, "expr,0,sad,0.8", recv(t, motion))
	assert.Equal(t, "acc,0,0,0,1", recv(t, all))
	assert.Equal(t, "expr,0,sad,0.8", recv(t, all))
	assert.Empty(t, ppg)

	cancel()
	assert.ErrorIs(t, wait(), context.Canceled)

	snap := b.Stats().Snapshot()
	assert.Equal(t, uint64(5), snap.Lines)
	assert.Equal(t, uint64(1), snap.ByKind[EventTypeComment].Lines)
	assert.Equal(t, uint64(1), snap.ByKind[EventTypeEEG].Lines)
	assert.Equal(t, t0, snap.ByKind[EventTypePPG].Last)
	assert.Zero(t, snap.Dropped)
}

func TestBridge_FullSubscriberDropsAreCountedPerKind(t *testing.T) {
	port := NewFakePort()
	b := NewBridge(port, nil)
	_, eeg := b.Subscribe(EventTypeEEG)
	_, ppg := b.Subscribe(EventTypePPG)

	ctx, cancel := context.WithCancel(context.Background())
	wait := monitor(t, ctx, b)

	for i := 0; i < SubscriberBuffer+3; i++ {
		port.Feed("eeg,0,1,2,3,4\n")
	}
	port.Feed("ppg,0,512\n")
	assert.Equal(t, "ppg,0,512", recv(t, ppg), "a full eeg reader does not stall the ppg one")

	cancel()
	wait()
	snap := b.Stats().Snapshot()
	assert.Equal(t, uint64(SubscriberBuffer+3), snap.ByKind[EventTypeEEG].Lines)
	assert.Equal(t, uint64(3), snap.ByKind[EventTypeEEG].Dropped)
	assert.Zero(t, snap.ByKind[EventTypePPG].Dropped)
	assert.Len(t, eeg, SubscriberBuffer)
}

func TestBridge_CloseEndsMonitorAndSubscriptions(t *testing.T) {
	port := NewFakePort()
	b := NewBridge(port, nil)
	_, c := b.Subscribe()
	wait := monitor(t, context.Background(), b)

	require.NoError(t, b.Close())
	assert.NoError(t, wait(), "a read failing after Close is not an error")
	assert.True(t, port.Closed())
	_, ok := <-c
	assert.False(t, ok)

	_, late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after Close yields a closed channel")
	assert.NoError(t, b.Close())
}

type failingReader struct{ FakePort }

func (*failingReader) Read([]byte) (int, error) { return 0, errors.New("framing error") }

func TestBridge_MonitorReturnsReadError(t *testing.T) {
	b := NewBridge(&failingReader{}, nil)
	assert.EqualError(t, b.Monitor(context.Background()), "framing error")
}

func TestBridge_UnsubscribeClosesOnlyThatChannel(t *testing.T) {
	b := NewBridge(NewFakePort(), nil)
	id, c := b.Subscribe()
	_, other := b.Subscribe()
	b.Unsubscribe(id)
	b.Unsubscribe(id)

	_, ok := <-c
	assert.False(t, ok)
	assert.Equal(t, 1, b.subs.count())
	assert.Equal(t, 0, b.subs.publish(EventTypeEEG, "eeg,0,1,2,3,4"))
	assert.Equal(t, "eeg,0,1,2,3,4", recv(t, other))
}

func TestOpenBridge(t *testing.T) {
	port := NewFakePort()
	var gotPath string
	var gotOpts PortOptions
	b, err := OpenBridge(func(path string, opts PortOptions) (Port, error) {
		gotPath, gotOpts = path, opts
		return port, nil
	}, "/dev/ttyACM0", PortOptions{BaudRate: 9600})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", gotPath)
	assert.Equal(t, 9600, gotOpts.BaudRate)
	require.NoError(t, b.SendCommand("STOP"))
	assert.Equal(t, "STOP\n", port.Written())

	_, err = OpenBridge(func(string, PortOptions) (Port, error) {
		return nil, errors.New("permission denied")
	}, "/dev/ttyACM0", PortOptions{})
	assert.EqualError(t, err, "failed to open sensor bridge /dev/ttyACM0: permission denied")
}
