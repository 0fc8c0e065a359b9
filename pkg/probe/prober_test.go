//go:build unit

package probe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/vmconform/internal/util/fakes/hypervisorfake"
	"github.com/alexandremahdhaoui/vmconform/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmconform/pkg/hypervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions(readiness time.Duration) SSHOptions {
	return SSHOptions{ReadinessTimeout: readiness, PollInterval: 5 * time.Millisecond}
}

func TestSSHProber_ConnectWhenReady(t *testing.T) {
	hv := hypervisorfake.New()
	vm := hv.AddVM("target")
	require.NoError(t, hv.Start(context.Background(), vm))

	var dialed atomic.Int32
	var host string
	conn := newFakeConn(nil)
	p := NewProber(hv, func(_ context.Context, h string) (Conn, error) {
		if dialed.Add(1) < 3 {
			return nil, ssh.ErrTransport
		}
		host = h
		return conn, nil
	}, fastOptions(time.Second))

	s, err := p.Connect(context.Background(), vm)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, int32(3), dialed.Load())
	assert.Equal(t, "10.0.0."+vm.ID, host)
	assert.Equal(t, []string{"true"}, conn.ran())
}

func TestSSHProber_NeverReady(t *testing.T) {
	hv := hypervisorfake.New()
	vm := hv.AddVM("stopped")

	p := NewProber(hv, func(context.Context, string) (Conn, error) {
		t.Fatal("dial must not happen without an address")
		return nil, nil
	}, fastOptions(30*time.Millisecond))

	_, err := p.Connect(context.Background(), vm)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTargetUnreachable)
	assert.ErrorIs(t, err, hypervisor.ErrNoAddress)
}

func TestSSHProber_ReadinessCommandFails(t *testing.T) {
	hv := hypervisorfake.New()
	vm := hv.AddVM("booting")
	require.NoError(t, hv.Start(context.Background(), vm))

	conn := newFakeConn(nil).on("true", execReply{res: ssh.Result{ExitCode: 255}})
	p := NewProber(hv, func(context.Context, string) (Conn, error) { return conn, nil }, fastOptions(30*time.Millisecond))

	_, err := p.Connect(context.Background(), vm)
	assert.ErrorIs(t, err, ErrTargetUnreachable)
	assert.Positive(t, conn.closed)
}

func TestSSHProber_PermanentHypervisorError(t *testing.T) {
	hv := hypervisorfake.New()
	vm := hypervisor.VirtualMachine{ID: "999", Name: "gone"}

	p := NewProber(hv, func(context.Context, string) (Conn, error) { return nil, errors.New("unused") }, fastOptions(time.Minute))

	start := time.Now()
	_, err := p.Connect(context.Background(), vm)
	assert.ErrorIs(t, err, ErrTargetUnreachable)
	assert.ErrorIs(t, err, hypervisor.ErrVMNotFound)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSSHProber_Cancelled(t *testing.T) {
	hv := hypervisorfake.New()
	vm := hv.AddVM("stopped")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	p := NewProber(hv, nil, fastOptions(time.Minute))
	_, err := p.Connect(ctx, vm)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTargetUnreachable)
}
