package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/dshills/bcdebug/internal/debug/linetable"
	"github.com/dshills/bcdebug/internal/debug/session"
	"github.com/dshills/bcdebug/internal/program"
	"github.com/dshills/bcdebug/internal/vm"
)

// ThreadID is the single thread reported to the client.
const ThreadID = 1

// Server serves one debug session over DAP.
type Server struct {
	prog        *vm.Program
	log         logr.Logger
	sessionOpts []session.Option
	initial     []linetable.Location

	t       *Transport
	ctrl    *session.Controller
	sources *sourceBreakpoints

	mu        sync.Mutex
	state     State
	launched  bool
	noDebug   bool
	started   bool
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithSessionOptions passes options to the session controller.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Server) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

// WithBreakpoints installs breakpoints before the client sets any. They
// stay active alongside the client's.
func WithBreakpoints(locs []linetable.Location) Option {
	return func(s *Server) {
		s.initial = append(s.initial, locs...)
	}
}

// NewServer creates a server for prog.
func NewServer(prog *vm.Program, opts ...Option) *Server {
	s := &Server{
		prog:    prog,
		log:     logr.Discard(),
		sources: newSourceBreakpoints(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithName("dap")
	return s
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()
	if old != st {
		s.log.V(1).Info("state changed", "from", old.String(), "to", st.String())
	}
}

// ServeListener accepts one connection from ln and serves it. ln is closed
// when ServeListener returns.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accept: %w", err)
	}
	s.log.Info("client connected", "remote", conn.RemoteAddr().String())
	return s.Serve(ctx, conn)
}

// Serve handles requests from rwc until the client disconnects, the stream
// ends or ctx is done. The program, if running, is stopped on return.
func (s *Server) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	s.t = NewTransport(rwc)
	s.ctrl = session.New(append(slices.Clone(s.sessionOpts),
		session.WithLogger(s.log),
		session.WithObserver(session.ObserverFunc(s.onPaused)),
	)...)
	defer s.shutdown()

	if err := program.Register(s.ctrl, s.prog); err != nil {
		s.log.Error(err, "some modules have no line mapping")
	}
	if len(s.initial) > 0 {
		s.ctrl.MarkBreakpoints(s.sources.replace(configSource, s.initial))
	}

	stop := context.AfterFunc(ctx, func() { _ = s.t.Close() })
	defer stop()

	for {
		msg, err := s.t.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || s.t.closed.Load() {
				return nil
			}
			return err
		}

		done, err := s.dispatch(msg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (s *Server) shutdown() {
	s.ctrl.Close()

	s.mu.Lock()
	cancel, done := s.cancelRun, s.runDone
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = s.t.Close()
	if done != nil {
		<-done
	}
	s.setState(StateDisconnected)
}

func (s *Server) dispatch(msg dap.Message) (bool, error) {
	rm, ok := msg.(dap.RequestMessage)
	if !ok {
		s.log.V(1).Info("ignoring non-request message", "type", fmt.Sprintf("%T", msg))
		return false, nil
	}
	req := rm.GetRequest()
	s.log.V(1).Info("request", "command", req.Command, "seq", req.Seq)

	var err error
	switch r := msg.(type) {
	case *dap.InitializeRequest:
		err = s.onInitialize(r)
	case *dap.LaunchRequest:
		err = s.onLaunch(req, r.Arguments, &dap.LaunchResponse{})
	case *dap.AttachRequest:
		err = s.onLaunch(req, r.Arguments, &dap.AttachResponse{})
	case *dap.SetBreakpointsRequest:
		err = s.onSetBreakpoints(r)
	case *dap.ConfigurationDoneRequest:
		err = s.onConfigurationDone(r)
	case *dap.ThreadsRequest:
		err = s.send(&dap.ThreadsResponse{
			Response: s.response(req),
			Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: ThreadID, Name: "main"}}},
		})
	case *dap.StackTraceRequest:
		err = s.onStackTrace(r)
	case *dap.ScopesRequest:
		err = s.send(&dap.ScopesResponse{Response: s.response(req), Body: dap.ScopesResponseBody{Scopes: []dap.Scope{}}})
	case *dap.ContinueRequest:
		err = s.onStep(req, (*session.Controller).Resume, &dap.ContinueResponse{
			Body: dap.ContinueResponseBody{AllThreadsContinued: true},
		})
	case *dap.NextRequest:
		err = s.onStep(req, (*session.Controller).StepOver, &dap.NextResponse{})
	case *dap.StepInRequest:
		err = s.onStep(req, (*session.Controller).StepIn, &dap.StepInResponse{})
	case *dap.StepOutRequest:
		err = s.onStep(req, (*session.Controller).StepOut, &dap.StepOutResponse{})
	case *dap.DisconnectRequest:
		return true, s.send(&dap.DisconnectResponse{Response: s.response(req)})
	default:
		err = s.sendError(req, fmt.Errorf("unsupported request %q", req.Command))
	}
	return false, err
}

func (s *Server) onInitialize(r *dap.InitializeRequest) error {
	resp := &dap.InitializeResponse{
		Response: s.response(&r.Request),
		Body: dap.Capabilities{
			SupportsConfigurationDoneRequest: true,
		},
	}
	if err := s.send(resp); err != nil {
		return err
	}
	s.setState(StateConfiguring)
	return s.send(&dap.InitializedEvent{Event: s.event("initialized")})
}

type launchArgs struct {
	StopOnEntry bool `json:"stopOnEntry"`
	NoDebug     bool `json:"noDebug"`
}

func (s *Server) onLaunch(req *dap.Request, raw json.RawMessage, resp dap.ResponseMessage) error {
	var args launchArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return s.sendError(req, fmt.Errorf("invalid %s arguments: %w", req.Command, err))
		}
	}

	s.mu.Lock()
	if s.launched {
		s.mu.Unlock()
		return s.sendError(req, ErrAlreadyLaunched)
	}
	s.launched = true
	s.noDebug = args.NoDebug
	s.mu.Unlock()

	if args.StopOnEntry {
		s.ctrl.StopOnEntry()
	}

	*resp.GetResponse() = s.response(req)
	return s.send(resp)
}

func (s *Server) onSetBreakpoints(r *dap.SetBreakpointsRequest) error {
	args := r.Arguments
	clientPath := args.Source.Path
	if clientPath == "" {
		clientPath = args.Source.Name
	}
	file := resolveFile(clientPath, s.programFiles())
	s.sources.remember(file, clientPath)

	lines := make([]int, 0, len(args.Breakpoints))
	for _, bp := range args.Breakpoints {
		lines = append(lines, bp.Line)
	}
	if len(args.Breakpoints) == 0 {
		lines = append(lines, args.Lines...)
	}

	locs := make([]linetable.Location, 0, len(lines))
	for _, line := range lines {
		if line > 0 {
			locs = append(locs, linetable.Location{File: file, Line: uint32(line)})
		}
	}

	res := s.ctrl.MarkBreakpoints(s.sources.replace(clientPath, locs))

	source := &dap.Source{Name: filepath.Base(clientPath), Path: clientPath}
	bps := make([]dap.Breakpoint, 0, len(lines))
	for _, line := range lines {
		loc := linetable.Location{File: file, Line: uint32(max(line, 0))}
		bp := dap.Breakpoint{
			Id:       s.sources.id(loc),
			Verified: line > 0 && !slices.Contains(res.Dropped, loc),
			Source:   source,
			Line:     line,
		}
		if !bp.Verified {
			bp.Message = "no code at this line"
		}
		bps = append(bps, bp)
	}

	return s.send(&dap.SetBreakpointsResponse{
		Response: s.response(&r.Request),
		Body:     dap.SetBreakpointsResponseBody{Breakpoints: bps},
	})
}

func (s *Server) programFiles() []string {
	var files []string
	for _, id := range s.ctrl.Modules() {
		if t, ok := s.ctrl.Table(id); ok {
			files = append(files, t.Files()...)
		}
	}
	return files
}

func (s *Server) onConfigurationDone(r *dap.ConfigurationDoneRequest) error {
	s.mu.Lock()
	launched, started := s.launched, s.started
	s.mu.Unlock()
	if !launched {
		return s.sendError(&r.Request, ErrNotLaunched)
	}
	if err := s.send(&dap.ConfigurationDoneResponse{Response: s.response(&r.Request)}); err != nil {
		return err
	}
	if !started {
		s.start()
	}
	return nil
}

func (s *Server) start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.started = true
	s.cancelRun = cancel
	s.runDone = done
	noDebug := s.noDebug
	s.mu.Unlock()

	opts := []vm.Option{
		vm.WithOutput(&outputWriter{s: s, category: "stdout"}),
		vm.WithLogger(s.log.WithName("vm")),
	}
	if !noDebug {
		opts = append(opts, vm.WithHook(s.ctrl))
	}

	s.setState(StateRunning)
	go func() {
		defer close(done)
		defer cancel()

		code := 0
		if err := vm.New(s.prog, opts...).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			code = 1
			s.output("stderr", err.Error()+"\n")
		}
		s.setState(StateTerminated)
		s.log.Info("program exited", "code", code)

		_ = s.send(&dap.ExitedEvent{Event: s.event("exited"), Body: dap.ExitedEventBody{ExitCode: code}})
		_ = s.send(&dap.TerminatedEvent{Event: s.event("terminated")})
	}()
}

func (s *Server) onStackTrace(r *dap.StackTraceRequest) error {
	snap, ok := s.ctrl.CurrentPauseSnapshot()
	if !ok {
		return s.sendError(&r.Request, ErrNotPaused)
	}

	path := s.sources.clientPath(snap.File)
	frame := dap.StackFrame{
		Id:     1,
		Name:   functionAt(s.prog, snap.ModuleID, snap.IP),
		Source: &dap.Source{Name: filepath.Base(snap.File), Path: path},
		Line:   int(snap.Line),
		Column: 1,
	}
	return s.send(&dap.StackTraceResponse{
		Response: s.response(&r.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: []dap.StackFrame{frame}, TotalFrames: 1},
	})
}

// functionAt names the function of module whose code contains ip.
func functionAt(prog *vm.Program, module linetable.ModuleID, ip uint32) string {
	if fn, ok := prog.FunctionAt(module, ip); ok {
		return fn.Name
	}
	return string(module)
}

func (s *Server) onStep(req *dap.Request, cmd func(*session.Controller) error, resp dap.ResponseMessage) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return s.sendError(req, ErrNotLaunched)
	}
	prev := s.State()
	s.setState(StateRunning)
	if err := cmd(s.ctrl); err != nil {
		s.setState(prev)
		return s.sendError(req, err)
	}

	r := resp.GetResponse()
	*r = s.response(req)
	return s.send(resp)
}

func (s *Server) onPaused(ev session.PauseEvent) {
	s.setState(StateStopped)

	body := dap.StoppedEventBody{
		Reason:            ev.Reason,
		Description:       fmt.Sprintf("%s at %s:%d", ev.Reason, ev.File, ev.Line),
		ThreadId:          ThreadID,
		AllThreadsStopped: true,
	}
	if ev.Reason == session.ReasonBreakpoint {
		if id := s.sources.id(linetable.Location{File: ev.File, Line: ev.Line}); id != 0 {
			body.HitBreakpointIds = []int{id}
		}
	}
	if err := s.send(&dap.StoppedEvent{Event: s.event("stopped"), Body: body}); err != nil {
		s.log.V(1).Info("stopped event not delivered", "error", err.Error())
	}
}

func (s *Server) output(category, text string) {
	_ = s.send(&dap.OutputEvent{
		Event: s.event("output"),
		Body:  dap.OutputEventBody{Category: category, Output: text},
	})
}

type outputWriter struct {
	s        *Server
	category string
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.s.output(w.category, string(p))
	return len(p), nil
}

func (s *Server) response(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

func (s *Server) event(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           name,
	}
}

func (s *Server) sendError(req *dap.Request, err error) error {
	s.log.Info("request failed", "level", "warn", "command", req.Command, "error", err.Error())
	resp := &dap.ErrorResponse{Response: s.response(req)}
	resp.Success = false
	resp.Message = err.Error()
	resp.Body.Error = &dap.ErrorMessage{Id: 1, Format: err.Error(), ShowUser: true}
	return s.send(resp)
}

func (s *Server) send(msg dap.Message) error {
	return s.t.WriteMessage(msg)
}
