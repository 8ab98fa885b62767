package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/cc/encap"
	"github.com/zwave-host/zwgo/pkg/config"
	"github.com/zwave-host/zwgo/pkg/frame"
	"github.com/zwave-host/zwgo/pkg/log"
	"github.com/zwave-host/zwgo/pkg/metric"
	"github.com/zwave-host/zwgo/pkg/node"
	"github.com/zwave-host/zwgo/pkg/scheduler"
	"github.com/zwave-host/zwgo/pkg/security"
	"github.com/zwave-host/zwgo/pkg/serialapi"
	"github.com/zwave-host/zwgo/pkg/transport"
	"github.com/zwave-host/zwgo/pkg/transportservice"
)

// Lifecycle is the driver's top-level state.
type Lifecycle int

const (
	LifecycleNew Lifecycle = iota
	LifecycleStarting
	LifecycleReady
	LifecycleDestroyed
)

// String returns the lifecycle state name.
func (l Lifecycle) String() string {
	switch l {
	case LifecycleNew:
		return "NEW"
	case LifecycleStarting:
		return "STARTING"
	case LifecycleReady:
		return "READY"
	case LifecycleDestroyed:
		return "DESTROYED"
	default:
		return fmt.Sprintf("Lifecycle(%d)", int(l))
	}
}

// Controller describes the attached controller once identified.
type Controller struct {
	LibraryVersion string
	LibraryType    uint8
	HomeID         uint32
	OwnNodeID      uint8
	IsSecondary    bool
	IsSUC          bool
	APIVersion     uint8
	NodeIDs        []uint8
}

// Store receives state the driver learns, for persistence. All methods
// must be safe for concurrent use.
type Store interface {
	RecordCommand(nodeID uint8, c *cc.Command)
	RecordNodeStatus(nodeID uint8, status string)
	Flush() error
	Close() error
}

// CommandListener receives unsolicited application commands after
// unwrapping.
type CommandListener func(nodeID uint8, c *cc.Command)

// ErrorListener receives fatal driver errors. One must be registered
// before Start.
type ErrorListener func(err error)

type tsKey struct {
	nodeID    uint8
	sessionID uint8
}

// Driver owns the serial line and every state machine above it.
type Driver struct {
	opts      config.Options
	port      transport.Port
	writer    *frame.Writer
	parser    *frame.Parser
	callbacks *serialapi.CallbackCounter

	sched       *scheduler.Scheduler
	nodes       *node.Registry
	supervision *node.SupervisionSessions
	sleep       *node.SleepMonitor
	keyring     *security.Keyring

	tsRX *transportservice.RX
	tsTX *transportservice.TX

	awaiters awaiters
	handlers *handlerChain

	logger    log.Logger
	sessionID string
	store     Store
	metrics   *metric.Metrics

	mu         sync.Mutex
	lifecycle  Lifecycle
	controller Controller
	s0         *security.S0Manager
	s2         *security.S2Manager
	pipeline   *encap.Pipeline
	onCommand  CommandListener
	onError    ErrorListener

	// noncePending marks nodes a Nonce Report transaction is already
	// queued for, so repeated decode failures enqueue only one.
	noncePending map[uint8]bool
	s2Failures   map[uint8]int

	tsTimers map[tsKey]*time.Timer

	// baseCtx bounds background work the driver starts on its own,
	// such as the interview of a revived node. Canceled by Destroy.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	readDone chan struct{}
	stopRead chan struct{}
}

// New creates a driver over an open port. The port is owned by the
// driver from here on and closed by Destroy.
func New(port transport.Port, opts config.Options) (*Driver, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}

	d := &Driver{
		opts:         opts,
		port:         port,
		writer:       frame.NewWriter(port),
		parser:       frame.NewParser(),
		callbacks:    &serialapi.CallbackCounter{},
		nodes:        node.NewRegistry(),
		supervision:  node.NewSupervisionSessions(opts.Timeouts.Report.Std()),
		keyring:      security.NewKeyring(),
		tsRX:         transportservice.NewRX(),
		tsTX:         transportservice.NewTX(),
		handlers:     newHandlerChain(),
		logger:       log.NoopLogger{},
		sessionID:    uuid.NewString(),
		noncePending: make(map[uint8]bool),
		s2Failures:   make(map[uint8]int),
		tsTimers:     make(map[tsKey]*time.Timer),
		readDone:     make(chan struct{}),
		stopRead:     make(chan struct{}),
	}
	d.baseCtx, d.baseCancel = context.WithCancel(context.Background())
	d.sched = scheduler.NewScheduler(countingWriter{d}, d.callbacks, scheduler.Config{
		ACKTimeout:         opts.Timeouts.ACK.Std(),
		ResponseTimeout:    opts.Timeouts.Response.Std(),
		CallbackTimeout:    opts.Timeouts.SendDataCallback.Std(),
		ControllerAttempts: opts.Attempts.Controller,
		SendDataAttempts:   opts.Attempts.SendData,
	})
	d.sched.SetNodeTimeoutHandler(d.handleNodeTimeout)
	d.sleep = node.NewSleepMonitor(node.DefaultSleepDebounce, d.handleNodeIdle)
	d.nodes.OnStatusChange(d.handleStatusChange)
	return d, nil
}

// SetLogger configures logging for the driver and every layer it owns.
func (d *Driver) SetLogger(logger log.Logger) {
	d.logger = log.OrNoop(logger)
	d.writer.SetLogger(logger, d.sessionID)
	d.sched.SetLogger(logger, d.sessionID)
	d.nodes.SetLogger(logger, d.sessionID)
}

// SetStore attaches the persistence facade. Typically set right after
// Start once the home id is known and the cache can be opened.
func (d *Driver) SetStore(s Store) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store = s
}

func (d *Driver) getStore() Store {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store
}

// SetMetrics attaches the collector set. Must be called before Start.
func (d *Driver) SetMetrics(m *metric.Metrics) {
	d.metrics = m
	if m == nil {
		d.sched.SetObserver(nil)
		return
	}
	m.SchedulerState.WithLabelValues(d.sched.State().String()).Set(1)
	d.sched.SetObserver(schedulerMetrics{m})
}

// schedulerMetrics maps scheduler notifications onto the collectors.
type schedulerMetrics struct{ m *metric.Metrics }

func (o schedulerMetrics) StateChanged(prev, next scheduler.State) {
	o.m.SchedulerState.WithLabelValues(prev.String()).Set(0)
	o.m.SchedulerState.WithLabelValues(next.String()).Set(1)
}

func (o schedulerMetrics) QueueLength(n int) {
	o.m.QueueLength.Set(float64(n))
}

func (o schedulerMetrics) Retry(kind string) {
	o.m.Retries.WithLabelValues(kind).Inc()
}

// countingWriter counts outbound data frames once metrics are attached.
type countingWriter struct{ d *Driver }

func (w countingWriter) WriteFrame(f *frame.Frame) error {
	err := w.d.writer.WriteFrame(f)
	if err == nil && w.d.metrics != nil {
		w.d.metrics.FramesOut.Inc()
	}
	return err
}

// OnCommand registers the unsolicited command listener.
func (d *Driver) OnCommand(fn CommandListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onCommand = fn
}

// OnError registers the fatal error listener.
func (d *Driver) OnError(fn ErrorListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = fn
}

// RegisterRequestHandler adds a handler for unsolicited requests of the
// given function type. One-time handlers remove themselves after the
// first message they consume.
func (d *Driver) RegisterRequestHandler(fn serialapi.FunctionType, handler RequestHandler, oneTime bool) {
	d.handlers.register(fn, handler, oneTime)
}

// Lifecycle returns the current driver state.
func (d *Driver) Lifecycle() Lifecycle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lifecycle
}

// Controller returns the identified controller facts. Zero value before
// Start completes.
func (d *Driver) Controller() Controller {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controller
}

// Nodes exposes the node registry.
func (d *Driver) Nodes() *node.Registry { return d.nodes }

// Keyring exposes the installed network keys.
func (d *Driver) Keyring() *security.Keyring { return d.keyring }

func (d *Driver) setLifecycle(l Lifecycle) {
	d.mu.Lock()
	old := d.lifecycle
	d.lifecycle = l
	d.mu.Unlock()

	d.logger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: d.sessionID,
		Layer:     log.LayerDriver,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityDriver,
			OldState: old.String(),
			NewState: l.String(),
		},
	})
}

// Start brings the driver up: soft reset when enabled, controller
// identification, security manager construction, node arena fill.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.lifecycle != LifecycleNew {
		d.mu.Unlock()
		return ErrDestroyed
	}
	if d.onError == nil {
		d.mu.Unlock()
		return ErrNoErrorHandler
	}
	d.mu.Unlock()

	d.installKeys()
	d.setLifecycle(LifecycleStarting)
	go d.readLoop()

	if d.opts.EnableSoftReset {
		if err := d.softReset(ctx); err != nil {
			return err
		}
	}
	if err := d.identify(ctx); err != nil {
		return err
	}
	d.setLifecycle(LifecycleReady)
	return nil
}

func (d *Driver) installKeys() {
	keys := d.opts.SecurityKeys
	if keys.S0Legacy != nil {
		d.keyring.SetKey(security.KeyClassS0Legacy, keys.S0Legacy)
	}
	if keys.S2Unauthenticated != nil {
		d.keyring.SetKey(security.KeyClassS2Unauthenticated, keys.S2Unauthenticated)
	}
	if keys.S2Authenticated != nil {
		d.keyring.SetKey(security.KeyClassS2Authenticated, keys.S2Authenticated)
	}
	if keys.S2AccessControl != nil {
		d.keyring.SetKey(security.KeyClassS2AccessControl, keys.S2AccessControl)
	}
}

// softReset writes SoftReset, reopens the port and waits for the
// controller's SerialAPIStarted announcement.
func (d *Driver) softReset(ctx context.Context) error {
	started := d.awaiters.addMessage(func(m *serialapi.Message) bool {
		return m.Function == serialapi.FnSerialAPIStarted
	}, d.opts.Timeouts.SerialAPIStarted.Std())

	msg := serialapi.NewRequest(serialapi.FnSoftReset, nil)
	t := scheduler.New(scheduler.PriorityController, msg)
	t.NoResponse = true
	t.PauseSendThreadOnDispatch = true
	if err := d.sched.Enqueue(t); err != nil {
		return err
	}
	if _, err := t.Await(ctx); err != nil {
		return err
	}

	// USB controllers drop off the bus during reset; reopen picks the
	// device back up.
	if err := d.port.Reopen(); err != nil {
		d.fail(fmt.Errorf("%w: reopen after soft reset: %v", ErrFailed, err))
		return ErrFailed
	}

	_, err := awaitMessage(ctx, started, d.opts.Timeouts.SerialAPIStarted.Std())
	d.sched.Unpause()
	if err != nil {
		return fmt.Errorf("%w: serial api did not restart", ErrFailed)
	}
	return nil
}

// identify queries the controller's identity and fills the node arena.
func (d *Driver) identify(ctx context.Context) error {
	version, err := d.controllerRequest(ctx, serialapi.FnGetControllerVersion, nil)
	if err != nil {
		return err
	}
	v, err := serialapi.DecodeControllerVersion(version)
	if err != nil {
		return err
	}

	id, err := d.controllerRequest(ctx, serialapi.FnMemoryGetID, nil)
	if err != nil {
		return err
	}
	cid, err := serialapi.DecodeControllerID(id)
	if err != nil {
		return err
	}

	caps, err := d.controllerRequest(ctx, serialapi.FnGetControllerCapabilities, nil)
	if err != nil {
		return err
	}
	cc2, err := serialapi.DecodeControllerCapabilities(caps)
	if err != nil {
		return err
	}

	initData, err := d.controllerRequest(ctx, serialapi.FnGetSerialAPIInitData, nil)
	if err != nil {
		return err
	}
	init, err := serialapi.DecodeInitData(initData)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.controller = Controller{
		LibraryVersion: v.Version,
		LibraryType:    v.LibraryType,
		HomeID:         cid.HomeID,
		OwnNodeID:      cid.NodeID,
		IsSecondary:    cc2.Secondary,
		IsSUC:          cc2.SUC,
		APIVersion:     init.Version,
		NodeIDs:        init.Nodes,
	}
	d.mu.Unlock()

	d.buildSecurity(cid.NodeID, cid.HomeID)

	for _, nid := range init.Nodes {
		if nid == cid.NodeID {
			continue
		}
		d.nodes.Ensure(nid)
		if info, err := d.nodeProtocolInfo(ctx, nid); err == nil {
			d.nodes.With(nid, func(n *node.Node) {
				n.CanSleep = !info.Listening
			})
		}
	}
	return nil
}

// buildSecurity constructs the security managers and the encapsulation
// pipeline once the controller identity is known.
func (d *Driver) buildSecurity(ownNodeID uint8, homeID uint32) {
	var s0 *security.S0Manager
	var s2 *security.S2Manager

	if key, err := d.keyring.Key(security.KeyClassS0Legacy); err == nil {
		if m, err := security.NewS0Manager(ownNodeID, key, d.opts.Timeouts.Nonce.Std()); err == nil {
			s0 = m
		}
	}
	if d.keyring.Has(security.KeyClassS2Unauthenticated) ||
		d.keyring.Has(security.KeyClassS2Authenticated) ||
		d.keyring.Has(security.KeyClassS2AccessControl) {
		s2 = security.NewS2Manager(ownNodeID, homeID, d.keyring)
	}

	var s0Codec, s2Codec encap.Codec
	if s0 != nil {
		s0Codec = s0
	}
	if s2 != nil {
		s2Codec = s2
	}
	pipeline := encap.NewPipeline(d.nodes, s0Codec, s2Codec)
	pipeline.SetLogger(d.logger, d.sessionID)

	d.mu.Lock()
	d.s0 = s0
	d.s2 = s2
	d.pipeline = pipeline
	d.mu.Unlock()
}

func (d *Driver) controllerRequest(ctx context.Context, fn serialapi.FunctionType, payload []byte) (*serialapi.Message, error) {
	t := scheduler.New(scheduler.PriorityController, serialapi.NewRequest(fn, payload))
	if err := d.sched.Enqueue(t); err != nil {
		return nil, err
	}
	return t.Await(ctx)
}

func (d *Driver) nodeProtocolInfo(ctx context.Context, nodeID uint8) (*serialapi.NodeProtocolInfo, error) {
	t := scheduler.New(scheduler.PriorityController, serialapi.EncodeGetNodeProtocolInfo(nodeID))
	if err := d.sched.Enqueue(t); err != nil {
		return nil, err
	}
	m, err := t.Await(ctx)
	if err != nil {
		return nil, err
	}
	return serialapi.DecodeNodeProtocolInfo(m)
}

// fail reports a fatal error to the registered listener.
func (d *Driver) fail(err error) {
	d.mu.Lock()
	fn := d.onError
	d.mu.Unlock()
	d.logError(0, err)
	if fn != nil {
		fn(err)
	}
}

func (d *Driver) logError(nodeID uint8, err error) {
	d.logger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: d.sessionID,
		Direction: log.DirectionIn,
		Layer:     log.LayerDriver,
		Category:  log.CategoryError,
		NodeID:    nodeID,
		Error: &log.ErrorEventData{
			Layer:   log.LayerDriver,
			Message: err.Error(),
		},
	})
}

// Destroy shuts the driver down: scheduler first, then timers, then
// persistence, then the port.
func (d *Driver) Destroy() error {
	d.mu.Lock()
	if d.lifecycle == LifecycleDestroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	d.mu.Unlock()
	d.setLifecycle(LifecycleDestroyed)

	d.baseCancel()
	d.sched.Stop()
	d.sleep.Close()
	d.stopTSTimers()
	close(d.stopRead)

	var firstErr error
	if store := d.getStore(); store != nil {
		if err := store.Flush(); err != nil {
			firstErr = err
		}
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.port.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	<-d.readDone
	return firstErr
}

func (d *Driver) stopTSTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.tsTimers {
		t.Stop()
		delete(d.tsTimers, key)
	}
}

func (d *Driver) destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lifecycle == LifecycleDestroyed
}
