package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devserver/internal/fault"
	"github.com/nerrad567/devserver/internal/infrastructure/mqtt"
)

func errNotFound(name string) error {
	return fault.New(fault.CommandNotFound, "Command "+name+" not found", "echo")
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"ping", Request{Op: OpPing, Device: "motor/1"}, true},
		{"command", Request{Op: OpCommandInOut, Device: "motor/1", Name: "On"}, true},
		{"read many", Request{Op: OpReadAttribute, Device: "motor/1", Names: []string{"a"}}, true},
		{"unknown op", Request{Op: "reboot", Device: "motor/1"}, false},
		{"no device", Request{Op: OpPing}, false},
		{"command without name", Request{Op: OpCommandInOut, Device: "motor/1"}, false},
		{"read without names", Request{Op: OpReadAttribute, Device: "motor/1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestReplyCarriesFaultChain(t *testing.T) {
	base := fault.New(fault.AttrNotFound, "attribute speed not found", "MultiAttribute.Get")
	err := fault.Wrap(base, fault.CommandNotAllowed, "read refused", "Runtime.Read")

	data, encErr := EncodeReply(NewReply(nil, err))
	require.NoError(t, encErr)

	got := Result(data, nil)
	require.Error(t, got)
	assert.Equal(t, fault.CommandNotAllowed, fault.ReasonOf(got))
	assert.True(t, fault.Has(got, fault.AttrNotFound))
	assert.Len(t, fault.FramesOf(got), 2)
}

func TestReplyValue(t *testing.T) {
	type pos struct {
		X float64 `cbor:"1,keyasint"`
	}
	data, err := EncodeReply(NewReply(pos{X: 2.5}, nil))
	require.NoError(t, err)

	var out pos
	require.NoError(t, Result(data, &out))
	assert.Equal(t, 2.5, out.X)
}

func TestDecodeRequestRejectsGarbage(t *testing.T) {
	_, err := DecodeRequest([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, fault.IncompatibleArg)
}

func TestCall(t *testing.T) {
	call := NewCall("c1")
	_, err := call.Result()
	assert.ErrorIs(t, err, fault.ReplyNotArrived)

	call.Complete([]byte("a"), nil)
	call.Complete([]byte("b"), nil)
	<-call.Done()
	got, err := call.Result()
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got)

	pending := NewCall("c2")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pending.Wait(ctx)
	assert.ErrorIs(t, err, fault.Timeout)
}

func TestParseEndpoint(t *testing.T) {
	scheme, server, err := ParseEndpoint(FormatEndpoint(SchemeMQTT, "MotorSrv/Lab"))
	require.NoError(t, err)
	assert.Equal(t, SchemeMQTT, scheme)
	assert.Equal(t, "motorsrv/lab", server)

	for _, bad := range []string{"", "motorsrv", "://x", "mqtt://"} {
		_, _, err := ParseEndpoint(bad)
		assert.ErrorIs(t, err, fault.IncompatibleArg, bad)
	}
}

func TestLoopbackRoundTrip(t *testing.T) {
	net := NewLoopback()
	endpoints, err := net.Binder("motorsrv/lab").Bind(context.Background(), echoHandler)
	require.NoError(t, err)
	require.Equal(t, []string{"loopback://motorsrv/lab"}, endpoints)

	ctx := context.Background()
	require.NoError(t, net.Connect(ctx, endpoints[0]))

	var name string
	require.NoError(t, RoundTrip(ctx, net, endpoints[0], &Request{Op: OpPing, Device: "motor/1"}, &name))
	assert.Equal(t, "motor/1", name)

	err = RoundTrip(ctx, net, endpoints[0], &Request{Op: OpCommandInOut, Device: "motor/1", Name: "Nope"}, nil)
	assert.ErrorIs(t, err, fault.CommandNotFound)

	payload, err := EncodeRequest(&Request{Op: OpCommandInOut, Device: "motor/1", Name: "Echo", Arg: "hi"})
	require.NoError(t, err)
	call, err := net.SendAsync(ctx, endpoints[0], payload)
	require.NoError(t, err)
	data, err := call.Wait(ctx)
	require.NoError(t, err)
	var echoed string
	require.NoError(t, Result(data, &echoed))
	assert.Equal(t, "hi", echoed)
}

func TestLoopbackErrors(t *testing.T) {
	net := NewLoopback()
	ctx := context.Background()

	_, err := net.Send(ctx, "loopback://nobody", nil)
	assert.ErrorIs(t, err, fault.CommFailure)

	b := net.Binder("srv/a")
	_, err = b.Bind(ctx, echoHandler)
	require.NoError(t, err)
	_, err = net.Binder("SRV/A").Bind(ctx, echoHandler)
	assert.ErrorIs(t, err, fault.CantBindDevice)

	require.NoError(t, b.Unbind())
	assert.ErrorIs(t, net.Connect(ctx, "loopback://srv/a"), fault.CommFailure)

	require.NoError(t, net.Close())
	_, err = net.Binder("srv/b").Bind(ctx, echoHandler)
	assert.ErrorIs(t, err, fault.CantBindDevice)
}

func TestMQTTRoundTrip(t *testing.T) {
	bus := newFakeBus()
	topics := mqtt.NewTopics("lab")

	srv := NewMQTT(bus, topics, MQTTOptions{ClientID: "srv", Server: "motorsrv/lab", QoS: 1})
	endpoints, err := srv.Bind(context.Background(), echoHandler)
	require.NoError(t, err)
	require.Equal(t, []string{"mqtt://motorsrv/lab"}, endpoints)
	assert.True(t, bus.subscribed("lab/request/motorsrv/lab"))

	cli := NewMQTT(bus, topics, MQTTOptions{ClientID: "cli", QoS: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, cli.Connect(ctx, endpoints[0]))
	assert.True(t, bus.subscribed("lab/reply/cli"))

	var name string
	require.NoError(t, RoundTrip(ctx, cli, endpoints[0], &Request{Op: OpPing, Device: "motor/1"}, &name))
	assert.Equal(t, "motor/1", name)

	err = RoundTrip(ctx, cli, endpoints[0], &Request{Op: OpCommandInOut, Device: "motor/1", Name: "Nope"}, nil)
	assert.ErrorIs(t, err, fault.CommandNotFound)

	require.NoError(t, srv.Unbind())
	assert.False(t, bus.subscribed("lab/request/motorsrv/lab"))
}

func TestMQTTSendTimeout(t *testing.T) {
	bus := newFakeBus()
	cli := NewMQTT(bus, mqtt.NewTopics("lab"), MQTTOptions{ClientID: "cli"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cli.Send(ctx, "mqtt://ghost/srv", []byte("x"))
	assert.ErrorIs(t, err, fault.Timeout)

	cli.mu.Lock()
	assert.Empty(t, cli.pending)
	cli.mu.Unlock()
}

func TestMQTTCloseFailsPending(t *testing.T) {
	bus := newFakeBus()
	cli := NewMQTT(bus, mqtt.NewTopics("lab"), MQTTOptions{ClientID: "cli"})

	call, err := cli.SendAsync(context.Background(), "mqtt://ghost/srv", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, cli.Close())

	<-call.Done()
	_, err = call.Result()
	assert.ErrorIs(t, err, fault.CommFailure)
	assert.False(t, bus.subscribed("lab/reply/cli"))

	_, err = cli.SendAsync(context.Background(), "mqtt://ghost/srv", nil)
	assert.ErrorIs(t, err, fault.CommFailure)
}

func TestMQTTRejectsForeignEndpoint(t *testing.T) {
	cli := NewMQTT(newFakeBus(), mqtt.NewTopics(""), MQTTOptions{ClientID: "cli"})
	assert.ErrorIs(t, cli.Connect(context.Background(), "loopback://srv/a"), fault.IncompatibleArg)
	assert.ErrorIs(t, cli.Connect(context.Background(), "mqtt://srv/+"), fault.IncompatibleArg)
}
