package relay

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matst80/socktls/internal/registry"
	"github.com/matst80/socktls/internal/sockopt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeDaemon records notifications and answers them from a goroutine, the
// way a transport worker would.
type fakeDaemon struct {
	mu      sync.Mutex
	sent    []Notification
	answer  func(n Notification)
	sendErr error
	closed  bool
}

func (f *fakeDaemon) Notify(n Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, n)
	answer, err := f.answer, f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if answer != nil {
		go answer(n)
	}
	return nil
}

func (f *fakeDaemon) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDaemon) notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.sent...)
}

func newTestEngine(t *testing.T, timeout time.Duration) (*Engine, *fakeDaemon) {
	t.Helper()
	d := &fakeDaemon{}
	e := New(Config{Timeout: timeout}, d)
	t.Cleanup(func() { _ = e.Stop() })
	return e, d
}

func allow(e *Engine) func(Notification) {
	return func(n Notification) { e.ReportStatus(n.DaemonID, n.Key, n.Token, 0) }
}

func TestHostnameRoundTrip(t *testing.T) {
	e, d := newTestEngine(t, time.Second)
	d.answer = allow(e)
	_, err := e.Open(1, "daemon-a")
	require.NoError(t, err)

	host := []byte("example.com\x00")
	require.NoError(t, e.SetOption(1, sockopt.LevelTLS, sockopt.Hostname, host, nil))

	sent := d.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, KindSet, sent[0].Kind)
	assert.Equal(t, "daemon-a", sent[0].DaemonID)
	assert.Equal(t, host, sent[0].Value)

	out := make([]byte, 12)
	n, err := e.GetOption(1, sockopt.LevelTLS, sockopt.Hostname, out, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, host, out[:n])

	_, err = e.GetOption(1, sockopt.LevelTLS, sockopt.Hostname, make([]byte, 5), nil)
	assert.Equal(t, sockopt.ErrInvalidArgument, err)
}

func TestHostnameMaxLength(t *testing.T) {
	e, d := newTestEngine(t, time.Second)
	d.answer = allow(e)
	_, err := e.Open(1, "d")
	require.NoError(t, err)

	host := append(bytes.Repeat([]byte("a"), 254), 0)
	require.NoError(t, e.SetOption(1, sockopt.LevelTLS, sockopt.Hostname, host, nil))
	out := make([]byte, 300)
	n, err := e.GetOption(1, sockopt.LevelTLS, sockopt.Hostname, out, nil)
	require.NoError(t, err)
	assert.Equal(t, host, out[:n])
}

func TestHostnameRejectedKeepsPrevious(t *testing.T) {
	e, d := newTestEngine(t, time.Second)
	d.answer = allow(e)
	_, err := e.Open(1, "d")
	require.NoError(t, err)
	require.NoError(t, e.SetOption(1, sockopt.LevelTLS, sockopt.Hostname, []byte("first.example\x00"), nil))

	err = e.SetOption(1, sockopt.LevelTLS, sockopt.Hostname, []byte("bad_name\x00"), nil)
	assert.Equal(t, sockopt.ErrInvalidArgument, err)
	tooLong := append(bytes.Repeat([]byte("a"), 255), 0)
	err = e.SetOption(1, sockopt.LevelTLS, sockopt.Hostname, tooLong, nil)
	assert.Equal(t, sockopt.ErrInvalidArgument, err)
	assert.Len(t, d.notifications(), 1, "rejected hostnames must not reach the daemon")

	out := make([]byte, 64)
	n, err := e.GetOption(1, sockopt.LevelTLS, sockopt.Hostname, out, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("first.example\x00"), out[:n])
}

func TestHostnameAfterConnect(t *testing.T) {
	e, d := newTestEngine(t, time.Second)
	d.answer = allow(e)
	_, err := e.Open(1, "d")
	require.NoError(t, err)
	require.True(t, e.MarkConnected(1))

	for _, v := range [][]byte{[]byte("example.com\x00"), []byte("bad name")} {
		err := e.SetOption(1, sockopt.LevelTLS, sockopt.Hostname, v, nil)
		assert.Equal(t, sockopt.ErrAlreadyConnected, err)
	}
	assert.Empty(t, d.notifications())
}

func TestGetHostnameErrors(t *testing.T) {
	e, _ := newTestEngine(t, time.Second)
	_, err := e.GetOption(9, sockopt.LevelTLS, sockopt.Hostname, make([]byte, 10), nil)
	assert.Equal(t, sockopt.ErrBadFileDescriptor, err)

	_, err = e.Open(9, "d")
	require.NoError(t, err)
	_, err = e.GetOption(9, sockopt.LevelTLS, sockopt.Hostname, make([]byte, 10), nil)
	assert.Equal(t, sockopt.ErrIOFault, err)
}

func TestSetOptionInvalidInput(t *testing.T) {
	e, d := newTestEngine(t, time.Second)
	_, err := e.Open(1, "d")
	require.NoError(t, err)
	assert.Equal(t, sockopt.ErrInvalidArgument, e.SetOption(1, sockopt.LevelTLS, sockopt.PrivateKey, nil, nil))
	assert.Equal(t, sockopt.ErrInvalidArgument, e.SetOption(1, sockopt.LevelTLS, sockopt.PrivateKey, []byte{}, nil))
	assert.Equal(t, sockopt.ErrBadFileDescriptor, e.SetOption(2, sockopt.LevelTLS, sockopt.PrivateKey, []byte("k"), nil))
	assert.Empty(t, d.notifications())
}

func TestDaemonStatusPropagates(t *testing.T) {
	e, d := newTestEngine(t, time.Second)
	d.answer = func(n Notification) { e.ReportStatus(n.DaemonID, n.Key, n.Token, 13) }
	_, err := e.Open(1, "d")
	require.NoError(t, err)

	called := false
	native := func(level, optname int, value []byte) error { called = true; return nil }
	err = e.SetOption(1, unix.SOL_SOCKET, unix.SO_KEEPALIVE, []byte{1, 0, 0, 0}, native)
	assert.Equal(t, unix.EACCES, err)
	assert.False(t, called, "native handler must not run after a daemon refusal")
}

func TestNativeFallbackAfterApproval(t *testing.T) {
	e, d := newTestEngine(t, time.Second)
	d.answer = allow(e)
	_, err := e.Open(1, "d")
	require.NoError(t, err)

	value := []byte{1, 0, 0, 0}
	var gotLevel, gotOpt int
	var gotValue []byte
	native := func(level, optname int, v []byte) error {
		gotLevel, gotOpt, gotValue = level, optname, v
		return unix.ENOPROTOOPT
	}
	err = e.SetOption(1, unix.SOL_SOCKET, unix.SO_KEEPALIVE, value, native)
	assert.Equal(t, unix.ENOPROTOOPT, err, "native result is returned as is")
	assert.Equal(t, unix.SOL_SOCKET, gotLevel)
	assert.Equal(t, unix.SO_KEEPALIVE, gotOpt)
	assert.Equal(t, value, gotValue)

	err = e.SetOption(1, unix.SOL_SOCKET, unix.SO_KEEPALIVE, value, nil)
	assert.Equal(t, sockopt.ErrNotSupported, err)
}

func TestVirtualOptionsSkipNative(t *testing.T) {
	e, d := newTestEngine(t, time.Second)
	d.answer = allow(e)
	_, err := e.Open(1, "d")
	require.NoError(t, err)
	native := func(level, optname int, v []byte) error {
		t.Errorf("native called for virtual option %d", optname)
		return nil
	}
	assert.NoError(t, e.SetOption(1, sockopt.LevelTLS, sockopt.CertificateChain, []byte("/etc/cert.pem"), native))
	assert.NoError(t, e.SetOption(1, sockopt.LevelTLS, sockopt.PrivateKey, []byte("/etc/key.pem"), native))
}

func TestRelayTimeout(t *testing.T) {
	const timeout = 50 * time.Millisecond
	e, _ := newTestEngine(t, timeout)
	_, err := e.Open(1, "d")
	require.NoError(t, err)

	for attempt := 0; attempt < 2; attempt++ {
		start := time.Now()
		err := e.SetOption(1, sockopt.LevelTLS, sockopt.CertificateChain, []byte("chain"), nil)
		elapsed := time.Since(start)
		assert.Equal(t, sockopt.ErrNoBufferSpace, err)
		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.Less(t, elapsed, timeout+500*time.Millisecond)
	}
	assert.Equal(t, int64(2), e.Stats().Timeouts)
}

func TestLateAnswerIsDropped(t *testing.T) {
	e, d := newTestEngine(t, 30*time.Millisecond)
	_, err := e.Open(1, "d")
	require.NoError(t, err)

	_, err = e.GetOption(1, sockopt.LevelTLS, sockopt.PeerCertificate, make([]byte, 10), nil)
	require.Equal(t, sockopt.ErrNoBufferSpace, err)
	late := d.notifications()[0]
	e.ReportPayload(late.DaemonID, late.Key, late.Token, []byte("late certificate"))
	assert.Equal(t, int64(1), e.Stats().Stale)

	d.answer = func(n Notification) { e.ReportPayload(n.DaemonID, n.Key, n.Token, []byte("fresh")) }
	out := make([]byte, 32)
	n, err := e.GetOption(1, sockopt.LevelTLS, sockopt.PeerCertificate, out, nil)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(out[:n]))
}

func TestIDStable(t *testing.T) {
	e, _ := newTestEngine(t, time.Second)
	_, err := e.Open(0x0102030405060708, "d")
	require.NoError(t, err)

	a := make([]byte, 16)
	n, err := e.GetOption(0x0102030405060708, sockopt.LevelTLS, sockopt.ID, a, nil)
	require.NoError(t, err)
	assert.Equal(t, IDLen, n)
	b := make([]byte, 16)
	_, err = e.GetOption(0x0102030405060708, sockopt.LevelTLS, sockopt.ID, b, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	short := make([]byte, 3)
	n, err = e.GetOption(0x0102030405060708, sockopt.LevelTLS, sockopt.ID, short, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, a[:3], short)
}

func TestPeerCertificateTruncates(t *testing.T) {
	e, d := newTestEngine(t, time.Second)
	cert := bytes.Repeat([]byte{0xab}, 100)
	d.answer = func(n Notification) { e.ReportPayload(n.DaemonID, n.Key, n.Token, cert) }
	_, err := e.Open(1, "d")
	require.NoError(t, err)

	out := make([]byte, 10)
	n, err := e.GetOption(1, sockopt.LevelTLS, sockopt.PeerCertificate, out, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, cert[:10], out)

	big := make([]byte, 200)
	n, err = e.GetOption(1, sockopt.LevelTLS, sockopt.PeerCertificate, big, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, cert, big[:n])

	sent := d.notifications()
	require.Len(t, sent, 2)
	assert.Equal(t, KindGet, sent[0].Kind)
	assert.Nil(t, sent[0].Value)
}

func TestPeerCertificateDaemonError(t *testing.T) {
	e, d := newTestEngine(t, time.Second)
	d.answer = func(n Notification) { e.ReportStatus(n.DaemonID, n.Key, n.Token, -int(unix.ENOTCONN)) }
	_, err := e.Open(1, "d")
	require.NoError(t, err)
	_, err = e.GetOption(1, sockopt.LevelTLS, sockopt.PeerCertificate, make([]byte, 10), nil)
	assert.Equal(t, unix.ENOTCONN, err)

	_, err = e.GetOption(2, sockopt.LevelTLS, sockopt.PeerCertificate, make([]byte, 10), nil)
	assert.Equal(t, sockopt.ErrBadFileDescriptor, err)
}

func TestPayloadTooLarge(t *testing.T) {
	d := &fakeDaemon{}
	e := New(Config{Timeout: time.Second, MaxPayload: 16}, d)
	defer e.Stop()
	d.answer = func(n Notification) { e.ReportPayload(n.DaemonID, n.Key, n.Token, make([]byte, 17)) }
	_, err := e.Open(1, "d")
	require.NoError(t, err)
	_, err = e.GetOption(1, sockopt.LevelTLS, sockopt.PeerCertificate, make([]byte, 32), nil)
	assert.Equal(t, sockopt.ErrOutOfMemory, err)
}

func TestGetOtherOption(t *testing.T) {
	e, _ := newTestEngine(t, time.Second)
	_, err := e.GetOption(1, unix.SOL_SOCKET, unix.SO_TYPE, make([]byte, 4), nil)
	assert.Equal(t, sockopt.ErrNotSupported, err)

	native := func(level, optname int, out []byte) (int, error) {
		return copy(out, []byte{1, 0, 0, 0}), nil
	}
	out := make([]byte, 4)
	n, err := e.GetOption(1, unix.SOL_SOCKET, unix.SO_TYPE, out, native)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestIsolationBetweenConnections(t *testing.T) {
	e, d := newTestEngine(t, 2*time.Second)
	d.answer = func(n Notification) {
		time.Sleep(time.Duration(n.Key%3) * 5 * time.Millisecond)
		e.ReportPayload(n.DaemonID, n.Key, n.Token, []byte{byte(n.Key)})
	}
	var wg sync.WaitGroup
	for k := registry.Key(1); k <= 20; k++ {
		_, err := e.Open(k, "d")
		require.NoError(t, err)
		wg.Add(1)
		go func(k registry.Key) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				out := make([]byte, 4)
				n, err := e.GetOption(k, sockopt.LevelTLS, sockopt.PeerCertificate, out, nil)
				if assert.NoError(t, err) {
					assert.Equal(t, []byte{byte(k)}, out[:n])
				}
			}
		}(k)
	}
	wg.Wait()
}

func TestConcurrentCallsOnOneConnection(t *testing.T) {
	e, d := newTestEngine(t, 2*time.Second)
	d.answer = func(n Notification) {
		e.ReportStatus(n.DaemonID, n.Key, n.Token, int(n.Value[0]))
	}
	_, err := e.Open(1, "d")
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(code int) {
			defer wg.Done()
			err := e.SetOption(1, sockopt.LevelTLS, sockopt.CertificateChain, []byte{byte(code)}, nil)
			assert.Equal(t, unix.Errno(code), err)
		}(i)
	}
	wg.Wait()
}

func TestNotifyFailure(t *testing.T) {
	e, d := newTestEngine(t, time.Hour)
	d.sendErr = errors.New("no such daemon")
	_, err := e.Open(1, "d")
	require.NoError(t, err)
	start := time.Now()
	err = e.SetOption(1, sockopt.LevelTLS, sockopt.CertificateChain, []byte("c"), nil)
	assert.Equal(t, sockopt.ErrNoBufferSpace, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCloseWakesWaiter(t *testing.T) {
	e, _ := newTestEngine(t, 5*time.Second)
	_, err := e.Open(1, "d")
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		e.Close(1)
	}()
	_, err = e.GetOption(1, sockopt.LevelTLS, sockopt.PeerCertificate, make([]byte, 4), nil)
	assert.Equal(t, sockopt.ErrBadFileDescriptor, err)
	assert.False(t, e.Close(1))
}

func TestReportForUnknownKeyIsDropped(t *testing.T) {
	e, _ := newTestEngine(t, time.Second)
	e.ReportStatus("d", 42, 1, 0)
	e.ReportPayload("d", 42, 1, []byte("x"))
	assert.Zero(t, e.Records())
}

func TestStopDrains(t *testing.T) {
	d := &fakeDaemon{}
	e := New(Config{}, d)
	for k := registry.Key(1); k <= 3; k++ {
		_, err := e.Open(k, "d")
		require.NoError(t, err)
	}
	require.NoError(t, e.Stop())
	assert.Zero(t, e.Records())
	assert.True(t, d.closed)
	_, err := e.Open(4, "d")
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, e.Stop())
}

func TestReportFromForeignDaemonIsDropped(t *testing.T) {
	e, d := newTestEngine(t, time.Second)
	d.answer = func(n Notification) {
		e.ReportStatus("intruder", n.Key, n.Token, int(unix.EACCES))
		e.ReportStatus(n.DaemonID, n.Key, n.Token, 0)
	}
	_, err := e.Open(1, "owner")
	require.NoError(t, err)
	require.NoError(t, e.SetOption(1, sockopt.LevelTLS, sockopt.Hostname, []byte("example.com\x00"), nil))

	d.answer = func(n Notification) { e.ReportPayload("intruder", n.Key, 0, []byte("forged")) }
	e.cfg.Timeout = 30 * time.Millisecond
	_, err = e.GetOption(1, sockopt.LevelTLS, sockopt.PeerCertificate, make([]byte, 8), nil)
	assert.Equal(t, sockopt.ErrNoBufferSpace, err)
}

func TestOpenRacingStopLeavesNothing(t *testing.T) {
	for i := 0; i < 50; i++ {
		e := New(Config{}, &fakeDaemon{})
		var wg sync.WaitGroup
		for k := registry.Key(1); k <= 20; k++ {
			wg.Add(1)
			k := k
			go func() {
				defer wg.Done()
				_, _ = e.Open(k, "d")
			}()
		}
		require.NoError(t, e.Stop())
		wg.Wait()
		require.Zero(t, e.Records(), "record opened during stop survived")
	}
}

func TestOpenDuplicate(t *testing.T) {
	e, _ := newTestEngine(t, time.Second)
	_, err := e.Open(1, "d")
	require.NoError(t, err)
	_, err = e.Open(1, "d")
	assert.ErrorIs(t, err, registry.ErrExists)
}
