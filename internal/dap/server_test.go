package dap

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/bcdebug/internal/debug/linetable"
	"github.com/dshills/bcdebug/internal/program"
)

const testTimeout = 5 * time.Second

const doubleYAML = `
entry: main.main
modules:
  - id: main
    file: main.bal
    functions:
      - name: main
        code:
          - {op: push, arg: 21, line: 1}
          - {op: call, target: util.double, line: 2}
          - {op: print, line: 3}
          - {op: ret}
  - id: util
    file: util.bal
    functions:
      - name: double
        code:
          - {op: dup, line: 5}
          - {op: add, line: 6}
          - {op: ret}
`

// testClient talks to a Server over an in-memory pipe. Messages the test is
// not waiting for yet are kept in a backlog so responses and events may
// arrive in either order.
type testClient struct {
	t       *testing.T
	srv     *Server
	tr      *Transport
	msgs    chan dap.Message
	backlog []dap.Message
	served  chan error
}

func newTestClient(t *testing.T, opts ...Option) *testClient {
	t.Helper()
	prog, err := program.Parse("double.yaml", []byte(doubleYAML))
	require.NoError(t, err)

	serverConn, clientConn := net.Pipe()
	srv := NewServer(prog, opts...)

	c := &testClient{
		t:      t,
		srv:    srv,
		tr:     NewTransport(clientConn),
		msgs:   make(chan dap.Message, 64),
		served: make(chan error, 1),
	}
	go func() {
		c.served <- srv.Serve(context.Background(), serverConn)
	}()
	go func() {
		defer close(c.msgs)
		for {
			msg, err := c.tr.ReadMessage()
			if err != nil {
				return
			}
			c.msgs <- msg
		}
	}()
	t.Cleanup(func() { _ = c.tr.Close() })
	return c
}

func (c *testClient) request(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: c.tr.NextSeq(), Type: "request"},
		Command:         command,
	}
}

func (c *testClient) send(msg dap.Message) {
	c.t.Helper()
	require.NoError(c.t, c.tr.WriteMessage(msg))
}

func (c *testClient) waitFor(what string, match func(dap.Message) bool) dap.Message {
	c.t.Helper()
	for i, msg := range c.backlog {
		if match(msg) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return msg
		}
	}
	deadline := time.After(testTimeout)
	for {
		select {
		case msg, ok := <-c.msgs:
			require.True(c.t, ok, "connection closed while waiting for %s", what)
			if match(msg) {
				return msg
			}
			c.backlog = append(c.backlog, msg)
		case <-deadline:
			require.FailNow(c.t, "timed out waiting for "+what)
			return nil
		}
	}
}

func (c *testClient) response(req dap.Request) dap.ResponseMessage {
	c.t.Helper()
	msg := c.waitFor(req.Command+" response", func(m dap.Message) bool {
		r, ok := m.(dap.ResponseMessage)
		return ok && r.GetResponse().RequestSeq == req.Seq
	})
	return msg.(dap.ResponseMessage)
}

func (c *testClient) event(name string) dap.EventMessage {
	c.t.Helper()
	msg := c.waitFor(name+" event", func(m dap.Message) bool {
		e, ok := m.(dap.EventMessage)
		return ok && e.GetEvent().Event == name
	})
	return msg.(dap.EventMessage)
}

func (c *testClient) stopped() *dap.StoppedEvent {
	c.t.Helper()
	return c.event("stopped").(*dap.StoppedEvent)
}

func (c *testClient) initialize(launchArgs string) {
	c.t.Helper()
	init := &dap.InitializeRequest{Request: c.request("initialize")}
	c.send(init)
	resp := c.response(init.Request).(*dap.InitializeResponse)
	assert.True(c.t, resp.Body.SupportsConfigurationDoneRequest)
	c.event("initialized")

	launch := &dap.LaunchRequest{Request: c.request("launch"), Arguments: json.RawMessage(launchArgs)}
	c.send(launch)
	require.True(c.t, c.response(launch.Request).GetResponse().Success)
}

func (c *testClient) setBreakpoints(path string, lines ...int) *dap.SetBreakpointsResponse {
	c.t.Helper()
	req := &dap.SetBreakpointsRequest{Request: c.request("setBreakpoints")}
	req.Arguments.Source = dap.Source{Path: path}
	for _, l := range lines {
		req.Arguments.Breakpoints = append(req.Arguments.Breakpoints, dap.SourceBreakpoint{Line: l})
	}
	c.send(req)
	return c.response(req.Request).(*dap.SetBreakpointsResponse)
}

func (c *testClient) configurationDone() {
	c.t.Helper()
	req := &dap.ConfigurationDoneRequest{Request: c.request("configurationDone")}
	c.send(req)
	require.True(c.t, c.response(req.Request).GetResponse().Success)
}

func (c *testClient) topFrame() dap.StackFrame {
	c.t.Helper()
	req := &dap.StackTraceRequest{Request: c.request("stackTrace")}
	req.Arguments.ThreadId = ThreadID
	c.send(req)
	resp, ok := c.response(req.Request).(*dap.StackTraceResponse)
	require.True(c.t, ok, "stackTrace failed")
	require.Len(c.t, resp.Body.StackFrames, 1)
	return resp.Body.StackFrames[0]
}

func (c *testClient) command(msg dap.RequestMessage) dap.ResponseMessage {
	c.t.Helper()
	c.send(msg)
	return c.response(*msg.GetRequest())
}

func (c *testClient) disconnect() {
	c.t.Helper()
	req := &dap.DisconnectRequest{Request: c.request("disconnect")}
	c.send(req)
	c.response(req.Request)
	select {
	case err := <-c.served:
		require.NoError(c.t, err)
	case <-time.After(testTimeout):
		require.FailNow(c.t, "server did not stop")
	}
}

func TestServer_DebugSession(t *testing.T) {
	c := newTestClient(t)
	c.initialize(`{"stopOnEntry": true}`)

	bps := c.setBreakpoints("/work/src/util.bal", 6, 40)
	require.Len(t, bps.Body.Breakpoints, 2)
	assert.True(t, bps.Body.Breakpoints[0].Verified)
	assert.Equal(t, 6, bps.Body.Breakpoints[0].Line)
	assert.False(t, bps.Body.Breakpoints[1].Verified)
	assert.NotEmpty(t, bps.Body.Breakpoints[1].Message)
	bpID := bps.Body.Breakpoints[0].Id
	assert.NotZero(t, bpID)

	c.configurationDone()

	ev := c.stopped()
	assert.Equal(t, "entry", ev.Body.Reason)
	assert.Equal(t, ThreadID, ev.Body.ThreadId)
	frame := c.topFrame()
	assert.Equal(t, "main.main", frame.Name)
	assert.Equal(t, 1, frame.Line)
	assert.Equal(t, "main.bal", frame.Source.Path)

	threads := c.command(&dap.ThreadsRequest{Request: c.request("threads")}).(*dap.ThreadsResponse)
	assert.Equal(t, []dap.Thread{{Id: ThreadID, Name: "main"}}, threads.Body.Threads)

	cont := &dap.ContinueRequest{Request: c.request("continue")}
	assert.True(t, c.command(cont).GetResponse().Success)
	ev = c.stopped()
	assert.Equal(t, "breakpoint", ev.Body.Reason)
	assert.Equal(t, []int{bpID}, ev.Body.HitBreakpointIds)
	frame = c.topFrame()
	assert.Equal(t, "util.double", frame.Name)
	assert.Equal(t, 6, frame.Line)
	assert.Equal(t, "/work/src/util.bal", frame.Source.Path)

	out := &dap.StepOutRequest{Request: c.request("stepOut")}
	assert.True(t, c.command(out).GetResponse().Success)
	ev = c.stopped()
	assert.Equal(t, "step", ev.Body.Reason)
	frame = c.topFrame()
	assert.Equal(t, "main.main", frame.Name)
	assert.Equal(t, 3, frame.Line)

	cont = &dap.ContinueRequest{Request: c.request("continue")}
	assert.True(t, c.command(cont).GetResponse().Success)

	output := c.event("output").(*dap.OutputEvent)
	assert.Equal(t, "stdout", output.Body.Category)
	assert.Equal(t, "42\n", output.Body.Output)
	exited := c.event("exited").(*dap.ExitedEvent)
	assert.Zero(t, exited.Body.ExitCode)
	c.event("terminated")

	c.disconnect()
}

func TestServer_NextAndStepIn(t *testing.T) {
	c := newTestClient(t)
	c.initialize(`{}`)
	c.setBreakpoints("main.bal", 2)
	c.configurationDone()

	assert.Equal(t, "breakpoint", c.stopped().Body.Reason)

	stepIn := &dap.StepInRequest{Request: c.request("stepIn")}
	assert.True(t, c.command(stepIn).GetResponse().Success)
	c.stopped()
	assert.Equal(t, 5, c.topFrame().Line)

	next := &dap.NextRequest{Request: c.request("next")}
	assert.True(t, c.command(next).GetResponse().Success)
	c.stopped()
	assert.Equal(t, 6, c.topFrame().Line)

	c.disconnect()
}

func TestServer_StoppedAfterStepResponse(t *testing.T) {
	c := newTestClient(t)
	c.initialize(`{}`)
	c.setBreakpoints("main.bal", 1)
	c.configurationDone()
	c.stopped()
	assert.Equal(t, StateStopped, c.srv.State())

	for range 3 {
		stepIn := &dap.StepInRequest{Request: c.request("stepIn")}
		assert.True(t, c.command(stepIn).GetResponse().Success)
		c.stopped()
		// Both the response and the stopped event are in; nothing may
		// move the state back to running.
		assert.Equal(t, StateStopped, c.srv.State())
	}

	c.disconnect()
}

func TestTransport_SeqFollowsWireOrder(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	server, client := NewTransport(serverConn), NewTransport(clientConn)
	defer server.Close()
	defer client.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := &dap.OutputEvent{
				Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Type: "event"}, Event: "output"},
				Body:  dap.OutputEventBody{Output: strconv.Itoa(i)},
			}
			assert.NoError(t, server.WriteMessage(ev))
		}()
	}

	for want := 1; want <= n; want++ {
		msg, err := client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, msg.GetSeq())
	}
	wg.Wait()

	// A caller-numbered message keeps its seq.
	go func() {
		req := &dap.ThreadsRequest{Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: 99, Type: "request"},
			Command:         "threads",
		}}
		assert.NoError(t, client.WriteMessage(req))
	}()
	msg, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, 99, msg.GetSeq())
}

func TestServer_BreakpointsAreMergedAcrossSources(t *testing.T) {
	c := newTestClient(t, WithBreakpoints([]linetable.Location{{File: "main.bal", Line: 1}}))
	c.initialize(`{}`)
	c.setBreakpoints("util.bal", 5)
	c.setBreakpoints("main.bal", 3)
	c.configurationDone()

	// The configured breakpoint and both client sources are active.
	for _, want := range []int{1, 5, 3} {
		c.stopped()
		assert.Equal(t, want, c.topFrame().Line)
		c.command(&dap.ContinueRequest{Request: c.request("continue")})
	}
	c.event("terminated")
	c.disconnect()
}

func TestServer_Errors(t *testing.T) {
	c := newTestClient(t)

	cont := c.command(&dap.ContinueRequest{Request: c.request("continue")})
	assert.False(t, cont.GetResponse().Success)

	done := c.command(&dap.ConfigurationDoneRequest{Request: c.request("configurationDone")})
	assert.False(t, done.GetResponse().Success)
	assert.Contains(t, done.GetResponse().Message, ErrNotLaunched.Error())

	c.initialize(`{}`)

	again := c.command(&dap.LaunchRequest{Request: c.request("launch")})
	assert.False(t, again.GetResponse().Success)

	trace := c.command(&dap.StackTraceRequest{Request: c.request("stackTrace")})
	errResp, ok := trace.(*dap.ErrorResponse)
	require.True(t, ok)
	require.NotNil(t, errResp.Body.Error)
	assert.Contains(t, errResp.Body.Error.Format, ErrNotPaused.Error())

	eval := &dap.EvaluateRequest{Request: c.request("evaluate")}
	eval.Arguments.Expression = "x"
	assert.False(t, c.command(eval).GetResponse().Success)

	c.disconnect()
}

func TestServer_ClientHangUpStopsProgram(t *testing.T) {
	c := newTestClient(t)
	c.initialize(`{"stopOnEntry": true}`)
	c.configurationDone()
	c.stopped()

	require.NoError(t, c.tr.Close())
	select {
	case err := <-c.served:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		require.FailNow(t, "server did not stop")
	}
}

func TestServer_ServeListener(t *testing.T) {
	prog, err := program.Parse("double.yaml", []byte(doubleYAML))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- NewServer(prog).ServeListener(ctx, ln)
	}()

	cancel()
	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(testTimeout):
		require.FailNow(t, "listener did not stop")
	}
}

func TestResolveFile(t *testing.T) {
	known := []string{"main.bal", "lib/util.bal", "other/util.bal"}
	assert.Equal(t, "main.bal", resolveFile("main.bal", known))
	assert.Equal(t, "main.bal", resolveFile("/home/me/proj/main.bal", known))
	assert.Equal(t, "lib/util.bal", resolveFile("lib/util.bal", known))
	// Ambiguous base names are left alone.
	assert.Equal(t, "/x/util.bal", resolveFile("/x/util.bal", known))
	assert.Equal(t, "/x/none.bal", resolveFile("/x/none.bal", known))
}

func TestSourceBreakpoints_Replace(t *testing.T) {
	b := newSourceBreakpoints()
	a1 := linetable.Location{File: "a", Line: 1}
	b2 := linetable.Location{File: "b", Line: 2}

	assert.Equal(t, []linetable.Location{a1}, b.replace("a", []linetable.Location{a1}))
	assert.Equal(t, []linetable.Location{a1, b2}, b.replace("b", []linetable.Location{b2}))
	assert.Equal(t, []linetable.Location{b2}, b.replace("a", nil))
	assert.Equal(t, 1, b.id(a1))
	assert.Equal(t, 2, b.id(b2))
	assert.Zero(t, b.id(linetable.Location{File: "c", Line: 1}))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(99).String())
}
