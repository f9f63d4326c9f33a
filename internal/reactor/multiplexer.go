// Package reactor merges the sources of several input backends into one
// ordered event stream driven by a single readiness poller.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"go.uber.org/multierr"

	"github.com/bnema/inputmux/internal/event"
	"github.com/bnema/inputmux/internal/logger"
)

// Backend decodes one native input channel. Its methods are only ever
// called from the goroutine driving the Multiplexer.
type Backend interface {
	Kind() event.BackendKind
	// Enumerate opens the backend and returns a DeviceAdded event for
	// every device present. An error is fatal for the backend.
	Enumerate() ([]event.Event, error)
	// Sources lists every descriptor to watch after Enumerate.
	Sources() []event.Source
	// Drain decodes everything readable on src without blocking.
	// Non-fatal problems come back combined with multierr; an
	// *event.BackendError among them ends the backend.
	Drain(src event.Source) ([]event.Event, error)
	// SourceFor returns the descriptor of a device announced by Drain,
	// if the device has one of its own.
	SourceFor(h event.Handle) (event.Source, bool)
	// Release drops a removed device once its descriptor is no longer
	// watched.
	Release(h event.Handle) error
	Close() error
}

type backendState struct {
	backend Backend
	alive   bool
}

type registration struct {
	owner *backendState
	src   event.Source
}

type item struct {
	ev  event.Event
	err error
}

// Multiplexer drives a set of backends from one goroutine. Events of one
// source keep the order the backend produced them in; sources that became
// ready in the same wakeup follow each other in the order the poller
// reported them.
type Multiplexer struct {
	poller   Poller
	backends []*backendState
	log      *log.Logger

	regs     map[Token]registration
	byFd     map[int]Token
	nextTok  Token
	ready    []Token
	queue    []item
	failures error
	terminal error
	closed   bool
	retired  map[event.Handle]bool

	mu      sync.Mutex
	devices map[event.Handle]event.DeviceInfo
	order   []event.Handle
}

// New enumerates every backend and registers its sources with poller.
// A backend that fails to start is reported as the first item of the
// stream. New fails only when no backend could start, or when two
// backends share a kind. The Multiplexer owns poller and the backends
// from here on, also on error.
func New(poller Poller, backends ...Backend) (*Multiplexer, error) {
	if len(backends) == 0 {
		poller.Close()
		return nil, &event.StreamError{Err: errors.New("no input backends configured")}
	}
	// Handles are only unique per kind.
	kinds := make(map[event.BackendKind]bool, len(backends))
	for _, b := range backends {
		if kinds[b.Kind()] {
			for _, b := range backends {
				b.Close()
			}
			poller.Close()
			return nil, fmt.Errorf("duplicate %s backend", b.Kind())
		}
		kinds[b.Kind()] = true
	}
	m := &Multiplexer{
		poller:  poller,
		log:     logger.WithPrefix("reactor"),
		regs:    make(map[Token]registration),
		byFd:    make(map[int]Token),
		retired: make(map[event.Handle]bool),
		devices: make(map[event.Handle]event.DeviceInfo),
	}

	for _, b := range backends {
		bs := &backendState{backend: b, alive: true}
		m.backends = append(m.backends, bs)

		evs, err := b.Enumerate()
		if err != nil {
			m.fail(bs, asBackendError(b.Kind(), err))
			continue
		}
		if err := m.registerAll(bs); err != nil {
			m.fail(bs, asBackendError(b.Kind(), err))
			continue
		}
		for _, ev := range evs {
			m.accept(bs, ev)
		}
		m.log.Debugf("Started %s backend with %d devices", b.Kind(), len(evs))
	}

	if m.terminal != nil {
		err := m.terminal
		m.Close()
		return nil, err
	}
	return m, nil
}

func asBackendError(kind event.BackendKind, err error) error {
	var be *event.BackendError
	if errors.As(err, &be) {
		return err
	}
	return &event.BackendError{Backend: kind, Err: err}
}

func (m *Multiplexer) registerAll(bs *backendState) error {
	for _, src := range bs.backend.Sources() {
		if err := m.register(bs, src); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multiplexer) register(bs *backendState, src event.Source) error {
	if _, ok := m.byFd[src.Fd]; ok {
		return nil
	}
	m.nextTok++
	tok := m.nextTok
	if err := m.poller.Register(src.Fd, tok); err != nil {
		return err
	}
	m.regs[tok] = registration{owner: bs, src: src}
	m.byFd[src.Fd] = tok
	return nil
}

func (m *Multiplexer) deregister(tok Token) {
	reg, ok := m.regs[tok]
	if !ok {
		return
	}
	delete(m.regs, tok)
	delete(m.byFd, reg.src.Fd)
	if err := m.poller.Deregister(reg.src.Fd); err != nil {
		m.log.Debugf("Deregistering fd %d: %v", reg.src.Fd, err)
	}
}

// accept applies the source bookkeeping an event implies and queues it.
// Events that would break a device's lifecycle are dropped: anything
// before DeviceAdded or after DeviceRemoved, a second DeviceAdded, and
// handles of another backend kind.
func (m *Multiplexer) accept(bs *backendState, ev event.Event) {
	kind := bs.backend.Kind()
	if ev.Device.Backend != kind {
		m.log.Warnf("Dropping %T for %s from the %s backend", ev.Payload, ev.Device, kind)
		return
	}
	m.mu.Lock()
	_, live := m.devices[ev.Device]
	m.mu.Unlock()

	switch p := ev.Payload.(type) {
	case event.DeviceAdded:
		if live || m.retired[ev.Device] {
			m.log.Warnf("Dropping repeated DeviceAdded for %s", ev.Device)
			return
		}
		if src, ok := bs.backend.SourceFor(ev.Device); ok {
			if err := m.register(bs, src); err != nil {
				m.push(item{err: &event.DecodeError{Backend: kind, Device: ev.Device, Err: err}})
			}
		}
		m.mu.Lock()
		m.order = append(m.order, ev.Device)
		m.devices[ev.Device] = p.Device
		m.mu.Unlock()
	case event.DeviceRemoved:
		if !live {
			m.log.Warnf("Dropping DeviceRemoved for unknown device %s", ev.Device)
			return
		}
		for tok, reg := range m.regs {
			if reg.owner == bs && reg.src.Device == ev.Device {
				m.deregister(tok)
			}
		}
		if err := bs.backend.Release(ev.Device); err != nil {
			m.log.Debugf("Releasing %s: %v", ev.Device, err)
		}
		m.retired[ev.Device] = true
		m.forget(ev.Device)
	default:
		if !live {
			m.log.Warnf("Dropping %T for unannounced device %s", ev.Payload, ev.Device)
			return
		}
	}
	m.push(item{ev: ev})
}

func (m *Multiplexer) forget(h event.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[h]; !ok {
		return
	}
	delete(m.devices, h)
	for i, o := range m.order {
		if o == h {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Multiplexer) push(it item) {
	m.queue = append(m.queue, it)
}

// fail tears down a backend and queues err once. When it was the last
// backend standing the stream is terminated.
func (m *Multiplexer) fail(bs *backendState, err error) {
	if !bs.alive {
		return
	}
	bs.alive = false
	m.log.Warnf("%s backend stopped: %v", bs.backend.Kind(), err)

	for tok, reg := range m.regs {
		if reg.owner == bs {
			m.deregister(tok)
		}
	}
	m.mu.Lock()
	var kept []event.Handle
	for _, h := range m.order {
		if h.Backend == bs.backend.Kind() {
			delete(m.devices, h)
		} else {
			kept = append(kept, h)
		}
	}
	m.order = kept
	m.mu.Unlock()

	if cerr := bs.backend.Close(); cerr != nil {
		m.log.Debugf("Closing %s backend: %v", bs.backend.Kind(), cerr)
	}
	m.push(item{err: err})
	m.failures = multierr.Append(m.failures, err)

	for _, other := range m.backends {
		if other.alive {
			return
		}
	}
	m.terminal = &event.StreamError{Err: m.failures}
	m.push(item{err: m.terminal})
}

// Next returns the next event, or an error. Non-fatal errors and
// *event.BackendError leave the stream running; *event.StreamError and
// event.ErrClosed end it and are returned by every later call. A
// cancelled ctx interrupts the wait and is returned as is.
func (m *Multiplexer) Next(ctx context.Context) (event.Event, error) {
	for {
		if m.closed {
			return event.Event{}, event.ErrClosed
		}
		if len(m.queue) > 0 {
			it := m.queue[0]
			m.queue[0] = item{}
			m.queue = m.queue[1:]
			return it.ev, it.err
		}
		if m.terminal != nil {
			return event.Event{}, m.terminal
		}
		if err := m.step(ctx); err != nil {
			return event.Event{}, err
		}
	}
}

// step waits once for readiness and drains every ready source.
func (m *Multiplexer) step(ctx context.Context) error {
	toks, err := m.poller.Wait(ctx, m.ready[:0])
	m.ready = toks
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.terminal = &event.StreamError{Err: err, Poller: true}
		m.push(item{err: m.terminal})
		return nil
	}

	for _, tok := range toks {
		// Skips sources deregistered earlier in this batch.
		reg, ok := m.regs[tok]
		if !ok || !reg.owner.alive {
			continue
		}
		evs, err := reg.owner.backend.Drain(reg.src)
		for _, ev := range evs {
			m.accept(reg.owner, ev)
		}
		m.report(reg.owner, err)
	}
	return nil
}

func (m *Multiplexer) report(bs *backendState, err error) {
	var fatal error
	for _, e := range multierr.Errors(err) {
		if event.IsFatal(e) {
			if fatal == nil {
				fatal = e
			}
			continue
		}
		m.push(item{err: e})
	}
	if fatal != nil {
		m.fail(bs, asBackendError(bs.backend.Kind(), fatal))
	}
}

// Devices returns a snapshot of the devices currently live on the stream,
// in the order they were announced. It may be called from any goroutine.
func (m *Multiplexer) Devices() []event.DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]event.DeviceInfo, 0, len(m.order))
	for _, h := range m.order {
		out = append(out, m.devices[h])
	}
	return out
}

// Close deregisters and closes every source, backend and the poller.
func (m *Multiplexer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.queue = nil

	var err error
	for tok := range m.regs {
		m.deregister(tok)
	}
	for _, bs := range m.backends {
		if bs.alive {
			bs.alive = false
			err = multierr.Append(err, bs.backend.Close())
		}
	}
	m.mu.Lock()
	m.devices = map[event.Handle]event.DeviceInfo{}
	m.order = nil
	m.mu.Unlock()
	return multierr.Append(err, m.poller.Close())
}
