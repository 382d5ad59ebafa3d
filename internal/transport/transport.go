// Package transport defines the narrow I/O surface the RPC core consumes
// (section 4.7) and a default net-based implementation of it. Callers that
// already run their own event loop can satisfy Listener/PacketConn
// themselves instead of using NetTransport.
package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ArtMk/oncrpc4j/pkg/bufpool"
)

// Conn is a single accepted TCP connection.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts TCP connections on a bound address.
type Listener interface {
	Accept() (Conn, error)
	Addr() net.Addr
	Close() error
}

// PacketConn sends and receives UDP datagrams with source addressing.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// ReadThreadController exposes the "read-thread count" knob required by
// section 4.7. The default NetTransport realizes this as the size of the
// semaphore bounding concurrently-served TCP connections; a caller
// supplying its own Listener/PacketConn may implement this on whatever
// underlying pool it runs.
type ReadThreadController interface {
	SetReadThreadCount(n int)
	ReadThreadCount() int
}

// netListener adapts net.Listener/net.Conn to Listener/Conn.
type netListener struct{ net.Listener }

func (l *netListener) Accept() (Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (l *netListener) Addr() net.Addr { return l.Listener.Addr() }

// netPacketConn adapts *net.UDPConn to PacketConn.
type netPacketConn struct{ *net.UDPConn }

func (c *netPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("transport: WriteTo requires a *net.UDPAddr, got %T", addr)
	}
	return c.UDPConn.WriteToUDP(p, udpAddr)
}

// ListenTCP binds a TCP listener on addr (host:port, or ":0" for an
// ephemeral port), satisfying the Listener interface.
func ListenTCP(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	return &netListener{ln}, nil
}

// ListenUDP binds a UDP socket on addr, satisfying the PacketConn
// interface.
func ListenUDP(addr string) (PacketConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve udp %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", addr, err)
	}
	return &netPacketConn{conn}, nil
}

// maxUDPDatagramSize bounds the read buffer for a single inbound UDP
// datagram; the RPC framing layer enforces the same limit on the wire.
const maxUDPDatagramSize = 65535

// DatagramHandler processes one UDP datagram. addr is the sender, to
// which any reply must be addressed.
type DatagramHandler func(data []byte, addr net.Addr)

// NetTransport is the default net-based realization of the transport
// adapter: it binds TCP and/or UDP per section 6's port/protocols
// configuration and bounds concurrently-served TCP connections with a
// semaphore, exposing that bound through ReadThreadController.
type NetTransport struct {
	mu       sync.Mutex
	sem      chan struct{}
	tcpLn    Listener
	udpConn  PacketConn
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewNetTransport returns a NetTransport bounding concurrent TCP
// connection handlers at readThreadCount. A non-positive count means
// unbounded.
func NewNetTransport(readThreadCount int) *NetTransport {
	nt := &NetTransport{stopCh: make(chan struct{})}
	nt.SetReadThreadCount(readThreadCount)
	return nt
}

// SetReadThreadCount implements ReadThreadController. Changing the count
// only affects connections accepted afterward; in-flight handlers are
// unaffected.
func (nt *NetTransport) SetReadThreadCount(n int) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if n <= 0 {
		nt.sem = nil
		return
	}
	nt.sem = make(chan struct{}, n)
}

// ReadThreadCount implements ReadThreadController.
func (nt *NetTransport) ReadThreadCount() int {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if nt.sem == nil {
		return 0
	}
	return cap(nt.sem)
}

// Start binds tcpAddr and/or udpAddr (either may be empty to skip that
// protocol, but not both) and begins serving. It returns once both
// listeners are bound, matching section 9's guidance that start complete
// only when the socket is ready rather than racing a background bind.
// tcpHandler is invoked once per accepted connection on its own
// goroutine, gated by the read-thread semaphore; udpHandler is invoked
// once per datagram, unbounded (UDP has no per-connection state to
// serialize per section 5).
func (nt *NetTransport) Start(tcpAddr, udpAddr string, tcpHandler func(Conn), udpHandler DatagramHandler) error {
	if tcpAddr == "" && udpAddr == "" {
		return fmt.Errorf("transport: at least one of tcpAddr/udpAddr must be set")
	}

	if tcpAddr != "" {
		ln, err := ListenTCP(tcpAddr)
		if err != nil {
			return err
		}
		nt.tcpLn = ln
		nt.wg.Add(1)
		go nt.acceptLoop(tcpHandler)
	}

	if udpAddr != "" {
		conn, err := ListenUDP(udpAddr)
		if err != nil {
			if nt.tcpLn != nil {
				nt.tcpLn.Close()
			}
			return err
		}
		nt.udpConn = conn
		nt.wg.Add(1)
		go nt.datagramLoop(udpHandler)
	}

	return nil
}

// TCPAddr returns the bound TCP address, or nil if TCP was not started.
func (nt *NetTransport) TCPAddr() net.Addr {
	if nt.tcpLn == nil {
		return nil
	}
	return nt.tcpLn.Addr()
}

// WriteUDP sends a reply datagram to addr. It is a no-op error if UDP was
// not started.
func (nt *NetTransport) WriteUDP(p []byte, addr net.Addr) (int, error) {
	if nt.udpConn == nil {
		return 0, fmt.Errorf("transport: UDP not started")
	}
	return nt.udpConn.WriteTo(p, addr)
}

// UDPAddr returns the bound UDP address, or nil if UDP was not started.
func (nt *NetTransport) UDPAddr() net.Addr {
	if nt.udpConn == nil {
		return nil
	}
	return nt.udpConn.LocalAddr()
}

func (nt *NetTransport) acceptLoop(handler func(Conn)) {
	defer nt.wg.Done()
	for {
		conn, err := nt.tcpLn.Accept()
		if err != nil {
			select {
			case <-nt.stopCh:
				return
			default:
				continue
			}
		}

		nt.mu.Lock()
		sem := nt.sem
		nt.mu.Unlock()

		if sem != nil {
			sem <- struct{}{}
		}
		nt.wg.Add(1)
		go func() {
			defer nt.wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			handler(conn)
		}()
	}
}

func (nt *NetTransport) datagramLoop(handler DatagramHandler) {
	defer nt.wg.Done()
	buf := make([]byte, maxUDPDatagramSize)
	for {
		n, addr, err := nt.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-nt.stopCh:
				return
			default:
				continue
			}
		}
		if handler == nil {
			continue
		}
		datagram := bufpool.Get(n)
		copy(datagram, buf[:n])
		nt.wg.Add(1)
		go func() {
			defer nt.wg.Done()
			defer bufpool.Put(datagram)
			handler(datagram, addr)
		}()
	}
}

// Stop closes the listeners and waits up to timeout for in-flight
// handlers to finish.
func (nt *NetTransport) Stop(timeout time.Duration) {
	nt.stopOnce.Do(func() {
		close(nt.stopCh)
		if nt.tcpLn != nil {
			nt.tcpLn.Close()
		}
		if nt.udpConn != nil {
			nt.udpConn.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		nt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
