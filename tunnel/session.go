package tunnel

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/threatexpert/paqet/misc"
	"github.com/threatexpert/paqet/netx"
	"github.com/threatexpert/paqet/protocol"
)

// SessionKey identifies a UDP session. Forwarders key on the peer alone,
// SOCKS associations also on the datagram's target.
type SessionKey struct {
	Peer   netip.AddrPort
	Target netx.Address
}

// OpenFunc opens a UDP tunnel for target.
type OpenFunc func(ctx context.Context, target netx.Address) (*Tunnel, error)

// DeliverFunc hands a frame read from a session's tunnel back to its peer.
type DeliverFunc func(s *Session, f protocol.UDPFrame) error

// Session is one UDP tunnel owned by a Table.
type Session struct {
	Key    SessionKey
	Peer   *net.UDPAddr
	Target netx.Address

	tunnel *Tunnel
	framed *FramedConn
	done   chan struct{}
}

func (s *Session) dead() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) release() {
	s.framed.Close()
	s.tunnel.Close()
}

type TableStats struct {
	Live     int64
	Dials    int64
	BytesOut int64
	BytesIn  int64
}

// Table maps UDP peers to tunnels. Get, Send and Close must be called from
// the goroutine that owns the table; only the reverse relays run elsewhere
// and they never touch the map.
type Table struct {
	ctx      context.Context
	cancel   context.CancelFunc
	open     OpenFunc
	deliver  DeliverFunc
	sessions map[SessionKey]*Session
	wg       sync.WaitGroup
	log      *misc.Logger

	live     atomic.Int64
	dials    atomic.Int64
	bytesOut atomic.Int64
	bytesIn  atomic.Int64
}

func NewTable(ctx context.Context, open OpenFunc, deliver DeliverFunc, log *misc.Logger) *Table {
	ctx, cancel := context.WithCancel(ctx)
	if log == nil {
		log = misc.NewLogger("udp")
	}
	return &Table{
		ctx:      ctx,
		cancel:   cancel,
		open:     open,
		deliver:  deliver,
		sessions: make(map[SessionKey]*Session),
		log:      log,
	}
}

// Get returns the live session for key, opening a tunnel to target when
// there is none or the previous one has ended.
func (t *Table) Get(key SessionKey, peer *net.UDPAddr, target netx.Address) (*Session, error) {
	if s, ok := t.sessions[key]; ok {
		if !s.dead() {
			return s, nil
		}
		t.remove(s)
	}
	if err := t.ctx.Err(); err != nil {
		return nil, err
	}

	t.dials.Inc()
	tun, err := t.open(t.ctx, target)
	if err != nil {
		return nil, errors.WithMessagef(err, "udp session %s -> %s", peer, target)
	}
	s := &Session{
		Key:    key,
		Peer:   peer,
		Target: target,
		tunnel: tun,
		framed: NewFramedConn(tun),
		done:   make(chan struct{}),
	}
	t.sessions[key] = s
	t.live.Inc()
	t.log.Debugf("session %s -> %s opened", peer, target)

	t.wg.Add(1)
	go t.reverse(s)
	return s, nil
}

func (t *Table) reverse(s *Session) {
	defer t.wg.Done()
	defer close(s.done)
	for {
		f, err := s.framed.ReadFrame()
		if err != nil {
			if !netx.IsClosedErr(err) {
				t.log.Debugf("session %s -> %s: %v", s.Peer, s.Target, err)
			}
			return
		}
		t.bytesIn.Add(int64(len(f.Payload)))
		if err := t.deliver(s, f); err != nil {
			t.log.Debugf("deliver to %s: %v", s.Peer, err)
			return
		}
	}
}

// Send forwards one datagram through the session for key.
// Datagrams that cannot be framed are dropped without touching the session.
func (t *Table) Send(key SessionKey, peer *net.UDPAddr, target netx.Address, payload []byte) error {
	if len(target.Host) > 255 {
		return errors.Errorf("udp %s -> %s: host too long", peer, target)
	}
	if limit := protocol.MaxFramePayload(target.Host); len(payload) > limit {
		return errors.Errorf("udp %s -> %s: %d byte datagram exceeds %d", peer, target, len(payload), limit)
	}
	s, err := t.Get(key, peer, target)
	if err != nil {
		return err
	}
	if err := s.framed.WriteFrame(protocol.UDPFrame{Addr: target, Payload: payload}); err != nil {
		t.remove(s)
		return errors.WithMessagef(err, "udp session %s -> %s", peer, target)
	}
	t.bytesOut.Add(int64(len(payload)))
	return nil
}

func (t *Table) remove(s *Session) {
	if cur, ok := t.sessions[s.Key]; ok && cur == s {
		delete(t.sessions, s.Key)
		t.live.Dec()
	}
	s.release()
}

// Len is the number of sessions in the table, including ended ones that
// have not been replaced yet.
func (t *Table) Len() int { return len(t.sessions) }

func (t *Table) Stats() TableStats {
	return TableStats{
		Live:     t.live.Load(),
		Dials:    t.dials.Load(),
		BytesOut: t.bytesOut.Load(),
		BytesIn:  t.bytesIn.Load(),
	}
}

// Close releases every session and waits for the reverse relays.
func (t *Table) Close() {
	t.cancel()
	for _, s := range t.sessions {
		t.remove(s)
	}
	t.wg.Wait()
}
