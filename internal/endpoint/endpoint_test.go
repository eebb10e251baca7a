package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taoyao-code/ocpp-server/internal/correlator"
	"github.com/taoyao-code/ocpp-server/internal/dispatch"
	"github.com/taoyao-code/ocpp-server/internal/periodic"
	"github.com/taoyao-code/ocpp-server/internal/protocol/ocpp16"
	"github.com/taoyao-code/ocpp-server/internal/session"
)

// peer 测试侧的原始帧收发
type peer struct {
	t  *testing.T
	tr Transport
}

func (p *peer) write(frame string) {
	p.t.Helper()
	require.NoError(p.t, p.tr.WriteMessage(context.Background(), []byte(frame)))
}

func (p *peer) read() ocpp16.Message {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := p.tr.ReadMessage(ctx)
	require.NoError(p.t, err)
	msg, err := ocpp16.Decode(raw)
	require.NoError(p.t, err)
	return msg
}

func startEndpoint(t *testing.T, d *dispatch.Dispatcher, opts ...Option) (*Endpoint, *peer) {
	t.Helper()
	local, remote := Pipe()
	e := New("CP-1", local, d, opts...)
	go e.Run(context.Background())
	t.Cleanup(func() { e.Close(nil) })
	return e, &peer{t: t, tr: remote}
}

func TestUnknownActionKeepsConnectionOpen(t *testing.T) {
	d := dispatch.New()
	d.MustRegister(ocpp16.ActionHeartbeat, dispatch.HandlerFunc(func(context.Context, *dispatch.Request) (any, error) {
		return ocpp16.HeartbeatConfirmation{CurrentTime: ocpp16.Now()}, nil
	}))
	_, p := startEndpoint(t, d)

	p.write(`[2,"1","FooBar",{}]`)
	ce, ok := p.read().(*ocpp16.CallError)
	require.True(t, ok)
	assert.Equal(t, "1", ce.MessageID)
	assert.Equal(t, ocpp16.NotImplemented, ce.ErrorCode)

	p.write(`[2,"2","Heartbeat",{}]`)
	res, ok := p.read().(*ocpp16.CallResult)
	require.True(t, ok)
	assert.Equal(t, "2", res.MessageID)
}

type countingObserver struct {
	mu        sync.Mutex
	in, out   int
	malformed int
}

func (c *countingObserver) Frame(_ string, dir Direction, _ []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == Inbound {
		c.in++
	} else {
		c.out++
	}
}

func (c *countingObserver) Malformed(string, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.malformed++
}

func TestMalformedFrames(t *testing.T) {
	obs := &countingObserver{}
	d := dispatch.New()
	d.MustRegister(ocpp16.ActionHeartbeat, dispatch.HandlerFunc(func(context.Context, *dispatch.Request) (any, error) {
		return nil, nil
	}))
	_, p := startEndpoint(t, d, WithObserver(obs))

	// 无法取出ID：丢弃
	p.write(`not json`)
	// 可取出ID：回复 ProtocolError
	p.write(`[2,"7","Heartbeat"]`)
	ce, ok := p.read().(*ocpp16.CallError)
	require.True(t, ok)
	assert.Equal(t, "7", ce.MessageID)
	assert.Equal(t, ocpp16.ProtocolError, ce.ErrorCode)

	// 连接仍然可用
	p.write(`[2,"8","Heartbeat",{}]`)
	assert.Equal(t, "8", p.read().ID())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.malformed)
	assert.Equal(t, 3, obs.in)
}

func TestInboundCallsHandledInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
		busy  atomic.Bool
	)
	d := dispatch.New()
	d.MustRegister(ocpp16.ActionDataTransfer, dispatch.Handle(func(ctx context.Context, req *dispatch.Request, p *ocpp16.DataTransferRequest) (*ocpp16.DataTransferConfirmation, error) {
		if !busy.CompareAndSwap(false, true) {
			t.Errorf("concurrent dispatch on one connection")
		}
		defer busy.Store(false)
		if p.Data == "slow" {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, req.MessageID)
		mu.Unlock()
		return &ocpp16.DataTransferConfirmation{Status: ocpp16.DataTransferAccepted}, nil
	}))
	_, p := startEndpoint(t, d)

	p.write(`[2,"a","DataTransfer",{"vendorId":"v","data":"slow"}]`)
	p.write(`[2,"b","DataTransfer",{"vendorId":"v"}]`)
	p.write(`[2,"c","DataTransfer",{"vendorId":"v"}]`)

	assert.Equal(t, "a", p.read().ID())
	assert.Equal(t, "b", p.read().ID())
	assert.Equal(t, "c", p.read().ID())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestOutboundCallsResolveOutOfOrder(t *testing.T) {
	e, p := startEndpoint(t, dispatch.New())

	type res struct {
		payload json.RawMessage
		err     error
	}
	first := make(chan res, 1)
	second := make(chan res, 1)
	go func() {
		r, err := e.Call(context.Background(), ocpp16.ActionGetConfiguration, nil, time.Second)
		first <- res{r, err}
	}()
	c1 := p.read().(*ocpp16.Call)
	go func() {
		r, err := e.Call(context.Background(), ocpp16.ActionReset, ocpp16.ResetRequest{Type: ocpp16.ResetSoft}, time.Second)
		second <- res{r, err}
	}()
	c2 := p.read().(*ocpp16.Call)
	assert.Equal(t, "Reset", c2.Action)

	p.write(`[3,"` + c2.MessageID + `",{"status":"Accepted"}]`)
	p.write(`[3,"` + c1.MessageID + `",{"configurationKey":[]}]`)

	r2 := <-second
	r1 := <-first
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.JSONEq(t, `{"status":"Accepted"}`, string(r2.payload))
	assert.JSONEq(t, `{"configurationKey":[]}`, string(r1.payload))
}

func TestCloseResolvesPendingAndStopsHeartbeat(t *testing.T) {
	e, p := startEndpoint(t, dispatch.New(), WithCorrelatorOptions(correlator.WithTimeout(time.Minute)))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := e.Call(context.Background(), ocpp16.ActionGetConfiguration, nil, 0)
			errs <- err
		}()
		p.read()
	}

	hbErr := make(chan error, 1)
	beat := periodic.Heartbeat(e)
	require.NoError(t, e.Tasks().Start("heartbeat", 10*time.Millisecond, func(ctx context.Context) error {
		err := beat(ctx)
		if err != nil {
			select {
			case hbErr <- err:
			default:
			}
		}
		return err
	}))
	hb, ok := p.read().(*ocpp16.Call)
	require.True(t, ok)
	assert.Equal(t, "Heartbeat", hb.Action)
	assert.Equal(t, 3, e.Pending())

	e.Close(nil)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, correlator.ErrConnectionClosed)
		case <-time.After(time.Second):
			t.Fatal("pending call not resolved")
		}
	}
	// 进行中的心跳同样以 ConnectionClosed 结束，而不是 context.Canceled
	select {
	case err := <-hbErr:
		assert.ErrorIs(t, err, correlator.ErrConnectionClosed)
		assert.NotErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("heartbeat call not resolved")
	}
	assert.Equal(t, 0, e.Pending())
	assert.False(t, e.Tasks().Running("heartbeat"))

	// 关闭后不再发起任何调用
	_, err := e.Call(context.Background(), ocpp16.ActionHeartbeat, nil, time.Second)
	assert.ErrorIs(t, err, correlator.ErrConnectionClosed)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.tr.ReadMessage(ctx)
	assert.Error(t, err)
	<-e.Done()
	assert.ErrorIs(t, e.Err(), correlator.ErrConnectionClosed)
}

func TestGoAfterCloseIsNoop(t *testing.T) {
	e, _ := startEndpoint(t, dispatch.New())

	var ran atomic.Int32
	release := make(chan struct{})
	e.Go(func(ctx context.Context) {
		ran.Add(1)
		<-ctx.Done()
		<-release
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Go(func(context.Context) { ran.Add(1) })
		}()
	}
	e.Close(nil)
	wg.Wait()
	e.Go(func(context.Context) { ran.Add(100) })
	close(release)

	waited := make(chan struct{})
	go func() {
		e.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return")
	}
	assert.Less(t, ran.Load(), int32(100))
	assert.GreaterOrEqual(t, ran.Load(), int32(1))
}

func TestSupersedeViaRegistry(t *testing.T) {
	reg := session.NewRegistry[*Endpoint]()

	old, oldPeer := startEndpoint(t, dispatch.New())
	other, _ := startEndpoint(t, dispatch.New())
	reg.Register("CP-1", old)
	reg.Register("CP-2", other)

	pending := make(chan error, 1)
	go func() {
		_, err := old.Call(context.Background(), ocpp16.ActionGetConfiguration, nil, time.Minute)
		pending <- err
	}()
	oldPeer.read()

	fresh, _ := startEndpoint(t, dispatch.New())
	_, superseded := reg.Register("CP-1", fresh)
	assert.True(t, superseded)

	select {
	case err := <-pending:
		assert.ErrorIs(t, err, correlator.ErrConnectionClosed)
		assert.ErrorIs(t, err, session.ErrSuperseded)
	case <-time.After(time.Second):
		t.Fatal("old pending call not resolved")
	}
	<-old.Done()

	// 旧连接注销不影响新连接，其他连接不受影响
	assert.False(t, reg.Unregister("CP-1", old))
	got, ok := reg.Lookup("CP-1")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	select {
	case <-other.Done():
		t.Fatal("unrelated connection closed")
	default:
	}
}

func TestRunReturnsOnPeerClose(t *testing.T) {
	local, remote := Pipe()
	e := New("CP-1", local, dispatch.New())
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	require.NoError(t, remote.Close())
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, correlator.ErrConnectionClosed))
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	local, _ := Pipe()
	e := New("CP-1", local, dispatch.New())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, correlator.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
}
