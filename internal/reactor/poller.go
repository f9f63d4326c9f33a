package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Token tags a registered descriptor.
type Token uint64

// Poller reports which registered descriptors are readable.
type Poller interface {
	Register(fd int, tok Token) error
	Deregister(fd int) error
	// Wait blocks until at least one descriptor is readable or ctx is done,
	// and appends the ready tokens to buf. Spurious empty wakeups are
	// allowed.
	Wait(ctx context.Context, buf []Token) ([]Token, error)
	Close() error
}

// Epoll is a level-triggered Poller. An eventfd interrupts Wait when its
// context is cancelled. Register, Deregister and Wait must be called from
// one goroutine.
type Epoll struct {
	epfd   int
	wakefd int
	tokens map[int]Token
	events []unix.EpollEvent

	// mu orders Wake against Close so a late wakeup never writes to a
	// reused descriptor.
	mu     sync.Mutex
	closed bool
}

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl: %w", err)
	}
	return &Epoll{
		epfd:   epfd,
		wakefd: wakefd,
		tokens: make(map[int]Token),
		events: make([]unix.EpollEvent, 64),
	}, nil
}

func (p *Epoll) Register(fd int, tok Token) error {
	if _, ok := p.tokens[fd]; ok {
		return fmt.Errorf("descriptor %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	p.tokens[fd] = tok
	return nil
}

// Deregister stops watching fd. Readiness for fd that was already
// collected by the kernel is discarded by the next Wait.
func (p *Epoll) Deregister(fd int) error {
	if _, ok := p.tokens[fd]; !ok {
		return nil
	}
	delete(p.tokens, fd)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

func (p *Epoll) Wait(ctx context.Context, buf []Token) ([]Token, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return buf, errors.New("poller closed")
	}
	stop := context.AfterFunc(ctx, p.Wake)
	defer stop()
	if err := ctx.Err(); err != nil {
		return buf, err
	}

	n, err := unix.EpollWait(p.epfd, p.events, -1)
	if errors.Is(err, unix.EINTR) {
		return buf, nil
	}
	if err != nil {
		return buf, fmt.Errorf("epoll_wait: %w", err)
	}
	for _, ev := range p.events[:n] {
		fd := int(ev.Fd)
		if fd == p.wakefd {
			var b [8]byte
			unix.Read(p.wakefd, b[:])
			continue
		}
		if tok, ok := p.tokens[fd]; ok {
			buf = append(buf, tok)
		}
	}
	if err := ctx.Err(); err != nil {
		return buf[:0], err
	}
	return buf, nil
}

// Wake interrupts a blocked Wait. It is safe to call from any goroutine,
// also after Close, when it does nothing.
func (p *Epoll) Wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	var b [8]byte
	b[0] = 1
	unix.Write(p.wakefd, b[:])
}

func (p *Epoll) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return multierr.Combine(unix.Close(p.wakefd), unix.Close(p.epfd))
}
