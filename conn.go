package sftpc

import (
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/pkg/errors"

	"github.com/nettich/sftpc/wire"
)

type result struct {
	pkt *wire.RawPacket
	err error
}

// clientConn multiplexes request/response traffic over a single stream
// pair. Writes are serialised so frames never interleave; one reader
// goroutine routes each response to the slot registered under its
// request id. Every registered request resolves exactly once.
type clientConn struct {
	rd io.Reader

	wmu sync.Mutex // serialises whole-frame writes
	wr  io.WriteCloser

	nextid   atomic.Uint32
	inflight *hashmap.Map[uint32, chan result]

	maxPacket uint32

	failed atomic.Bool
	done   chan struct{}
	err    error
}

func newClientConn(rd io.Reader, wr io.WriteCloser, maxPacket uint32) *clientConn {
	return &clientConn{
		rd:        rd,
		wr:        wr,
		inflight:  hashmap.New[uint32, chan result](),
		maxPacket: maxPacket,
		done:      make(chan struct{}),
	}
}

// handshake performs the version negotiation that precedes all
// id-bearing traffic. Only protocol version 3 is accepted; there is no
// downgrade. The extension pairs advertised by the server are returned
// for feature probing.
func (c *clientConn) handshake() (map[string]string, error) {
	init := &wire.InitPacket{Version: sftpProtocolVersion}

	data, err := init.MarshalBinary()
	if err != nil {
		return nil, err
	}

	if _, err := c.wr.Write(data); err != nil {
		return nil, errors.Wrap(err, "send init")
	}

	var version wire.VersionPacket
	if err := version.ReadFrom(c.rd, c.maxPacket); err != nil {
		return nil, errors.Wrap(err, "read version")
	}

	if version.Version != sftpProtocolVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "server reports version %d", version.Version)
	}

	exts := make(map[string]string, len(version.Extensions))
	for _, ext := range version.Extensions {
		exts[ext.Name] = ext.Data
	}

	return exts, nil
}

// register claims an unused request id and parks a 1-buffered result
// slot under it. Ids wrap around; an id still awaiting its response is
// skipped. With every id outstanding the connection is saturated and
// the request is refused.
func (c *clientConn) register() (uint32, chan result, error) {
	if uint64(c.inflight.Len()) >= math.MaxUint32 {
		return 0, nil, ErrRequestIDsExhausted
	}

	ch := make(chan result, 1)
	for {
		id := c.nextid.Add(1)
		if c.inflight.Insert(id, ch) {
			return id, ch, nil
		}
	}
}

// dispatch marshals req under a fresh request id and writes it as one
// atomic frame. It returns the channel upon which the matching response
// (or the terminal session error) will be delivered. After a session
// failure every dispatch fails immediately with the terminal error.
func (c *clientConn) dispatch(req wire.Packet) (uint32, chan result, error) {
	select {
	case <-c.done:
		return 0, nil, c.err
	default:
	}

	id, ch, err := c.register()
	if err != nil {
		return 0, nil, err
	}

	header, payload, err := req.MarshalPacket(id)
	if err != nil {
		c.inflight.Del(id)
		return 0, nil, err
	}

	debug("send %v id=%d", req.Type(), id)

	if err := c.writeFrame(header, payload); err != nil {
		c.inflight.Del(id)
		return 0, nil, err
	}

	// A failure broadcast may have begun between the liveness check
	// above and the slot registration, and missed our slot. Settle it
	// ourselves; if Del fails the broadcast got there first and ch
	// already holds the terminal error.
	select {
	case <-c.done:
		if c.inflight.Del(id) {
			return 0, nil, c.err
		}
	default:
	}

	return id, ch, nil
}

func (c *clientConn) writeFrame(header, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.wr.Write(header); err != nil {
		return errors.Wrapf(ErrConnectionLost, "write packet header: %v", err)
	}

	if len(payload) != 0 {
		if _, err := c.wr.Write(payload); err != nil {
			return errors.Wrapf(ErrConnectionLost, "write packet payload: %v", err)
		}
	}

	return nil
}

// recvLoop reads frames until the stream or the protocol fails, then
// moves the session to its terminal state.
func (c *clientConn) recvLoop() {
	c.failAll(c.recv())
}

func (c *clientConn) recv() error {
	for {
		pkt := new(wire.RawPacket)
		if err := pkt.ReadFrom(c.rd, c.maxPacket); err != nil {
			switch {
			case errors.Is(err, wire.ErrShortPacket),
				errors.Is(err, wire.ErrLongPacket),
				errors.Is(err, io.ErrUnexpectedEOF):
				return errors.Wrapf(ErrProtocol, "read frame: %v", err)
			}
			return errors.Wrapf(ErrConnectionLost, "read frame: %v", err)
		}

		debug("recv %v id=%d len=%d", pkt.PacketType, pkt.RequestID, pkt.Body.Len())

		ch, ok := c.inflight.Get(pkt.RequestID)
		if !ok {
			// Responses cannot be matched to requests anymore;
			// resyncing is not possible, so the session dies.
			return errors.Wrapf(ErrProtocol, "response carries unknown request id %d", pkt.RequestID)
		}

		if c.inflight.Del(pkt.RequestID) {
			ch <- result{pkt: pkt}
		}
	}
}

// failAll transitions the session to Closed and settles every
// outstanding request with err. Subsequent calls have no effect.
func (c *clientConn) failAll(err error) {
	if !c.failed.CompareAndSwap(false, true) {
		return
	}

	c.err = err
	close(c.done)

	c.inflight.Range(func(id uint32, ch chan result) bool {
		if c.inflight.Del(id) {
			ch <- result{err: err}
		}
		return true
	})
}

// Wait blocks until the session has shut down and returns the error
// that caused the shutdown.
func (c *clientConn) Wait() error {
	<-c.done
	return c.err
}

// Close closes the outbound stream, which prompts well-behaved servers
// to close the inbound one, terminating the reader loop.
func (c *clientConn) Close() error {
	err := c.wr.Close()
	c.failAll(errors.Wrap(ErrConnectionLost, "connection closed"))
	return err
}
