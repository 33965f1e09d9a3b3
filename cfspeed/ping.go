package cfspeed

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protocolICMP     = 1
	protocolIPv6ICMP = 58

	echoTokenSize = 8
	execPingGrace = time.Second
)

var ErrNoAddress = errors.New("no usable address")

// Pinger sends one echo request and waits for its reply, at most timeout.
// Any error means the probe is counted as lost.
type Pinger interface {
	Ping(ctx context.Context, timeout time.Duration) (time.Duration, error)
}

// ICMPPinger sends echo requests from this process over one shared socket and hands
// each reply to the probe waiting on its sequence number. It prefers an unprivileged
// datagram socket and falls back to a raw socket where that is not permitted.
type ICMPPinger struct {
	addr *net.IPAddr
	id   int
	seq  atomic.Uint32

	mu         sync.Mutex
	conn       *icmp.PacketConn
	privileged bool
	pending    map[int]*pendingEcho
}

type pendingEcho struct {
	token []byte
	reply chan time.Time
}

// ipNetworkFor maps a dial network (tcp, tcp4, tcp6) to the matching resolver network.
func ipNetworkFor(network string) string {
	switch network {
	case "tcp4":
		return "ip4"
	case "tcp6":
		return "ip6"
	default:
		return "ip"
	}
}

func NewICMPPinger(ctx context.Context, host string, network string) (*ICMPPinger, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, ipNetworkFor(network), host)
	if err != nil {
		return nil, errors.Wrapf(err, "could not resolve %s", host)
	}
	if len(ips) == 0 {
		return nil, errors.Wrap(ErrNoAddress, host)
	}

	return &ICMPPinger{
		addr:    &net.IPAddr{IP: ips[0]},
		id:      os.Getpid() & 0xffff,
		pending: map[int]*pendingEcho{},
	}, nil
}

func (p *ICMPPinger) isIPv6() bool {
	return p.addr.IP.To4() == nil
}

func (p *ICMPPinger) protocol() int {
	if p.isIPv6() {
		return protocolIPv6ICMP
	}
	return protocolICMP
}

func (p *ICMPPinger) listen() (*icmp.PacketConn, bool, error) {
	dgramNetwork, rawNetwork, listenAddr := "udp4", "ip4:icmp", "0.0.0.0"
	if p.isIPv6() {
		dgramNetwork, rawNetwork, listenAddr = "udp6", "ip6:ipv6-icmp", "::"
	}

	conn, err := icmp.ListenPacket(dgramNetwork, listenAddr)
	if err == nil {
		return conn, false, nil
	}

	conn, rawErr := icmp.ListenPacket(rawNetwork, listenAddr)
	if rawErr != nil {
		return nil, false, errors.Wrapf(rawErr, "could not open ICMP socket (datagram socket: %v)", err)
	}

	return conn, true, nil
}

// open returns the shared socket, opening it and starting its reader on first use.
func (p *ICMPPinger) open() (*icmp.PacketConn, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return p.conn, p.privileged, nil
	}

	conn, privileged, err := p.listen()
	if err != nil {
		return nil, false, err
	}
	p.conn, p.privileged = conn, privileged
	go p.readReplies(conn, privileged)

	return conn, privileged, nil
}

// Close releases the shared socket. A later Ping opens a new one.
func (p *ICMPPinger) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil

	return err
}

func (p *ICMPPinger) readReplies(conn *icmp.PacketConn, privileged bool) {
	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			return
		}
		p.dispatch(rb[:n], privileged, time.Now())
	}
}

// dispatch delivers an echo reply to its waiting probe. Replies with an unknown sequence
// number or a foreign token are dropped; on raw sockets so are replies to other processes.
func (p *ICMPPinger) dispatch(data []byte, privileged bool, received time.Time) {
	replyType := icmp.Type(ipv4.ICMPTypeEchoReply)
	if p.isIPv6() {
		replyType = ipv6.ICMPTypeEchoReply
	}

	reply, err := icmp.ParseMessage(p.protocol(), data)
	if err != nil || reply.Type != replyType {
		return
	}
	echo, ok := reply.Body.(*icmp.Echo)
	if !ok {
		return
	}
	// datagram sockets get their echo ID rewritten by the kernel
	if privileged && echo.ID != p.id {
		return
	}

	p.mu.Lock()
	waiting, ok := p.pending[echo.Seq]
	if ok && bytes.Equal(echo.Data, waiting.token) {
		delete(p.pending, echo.Seq)
	} else {
		ok = false
	}
	p.mu.Unlock()

	if ok {
		waiting.reply <- received
	}
}

func (p *ICMPPinger) Ping(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, privileged, err := p.open()
	if err != nil {
		return 0, err
	}

	requestType := icmp.Type(ipv4.ICMPTypeEcho)
	if p.isIPv6() {
		requestType = ipv6.ICMPTypeEchoRequest
	}

	token := make([]byte, echoTokenSize)
	if _, err := rand.Read(token); err != nil {
		return 0, errors.Wrap(err, "could not generate echo token")
	}

	seq := int(p.seq.Add(1) & 0xffff)
	request := icmp.Message{
		Type: requestType,
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: token},
	}
	wb, err := request.Marshal(nil)
	if err != nil {
		return 0, errors.Wrap(err, "could not marshal echo request")
	}

	waiting := &pendingEcho{token: token, reply: make(chan time.Time, 1)}
	p.mu.Lock()
	p.pending[seq] = waiting
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.pending[seq] == waiting {
			delete(p.pending, seq)
		}
		p.mu.Unlock()
	}()

	var dst net.Addr = p.addr
	if !privileged {
		dst = &net.UDPAddr{IP: p.addr.IP, Zone: p.addr.Zone}
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, dst); err != nil {
		return 0, errors.Wrap(err, "could not send echo request")
	}

	select {
	case received := <-waiting.reply:
		return received.Sub(start), nil
	case <-ctx.Done():
		return 0, errors.Wrap(ctx.Err(), "no echo reply")
	}
}

// ExecPinger runs the system ping command once per probe.
type ExecPinger struct {
	Host    string
	Command string
	GOOS    string
}

func NewExecPinger(host string) *ExecPinger {
	return &ExecPinger{
		Host:    host,
		Command: "ping",
		GOOS:    runtime.GOOS,
	}
}

// pingArgs builds single-echo arguments; -w is in ms on windows, -W is in ms on darwin
// and in seconds elsewhere.
func pingArgs(goos string, host string, timeout time.Duration) []string {
	switch goos {
	case "windows":
		return []string{"-n", "1", "-w", strconv.FormatInt(timeout.Milliseconds(), 10), host}
	case "darwin":
		return []string{"-c", "1", "-W", strconv.FormatInt(timeout.Milliseconds(), 10), host}
	default:
		return []string{"-c", "1", "-W", strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64), host}
	}
}

func (p *ExecPinger) Ping(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+execPingGrace)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Command, pingArgs(p.GOOS, p.Host, timeout)...)

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return 0, errors.Wrapf(err, "%s exited unsuccessfully", p.Command)
	}

	return time.Since(start), nil
}
