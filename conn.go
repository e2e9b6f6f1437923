package storagehttp

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// flushTimeout bounds how long a closing connection may spend writing out
// queued responses.
const flushTimeout = 2 * time.Second

// pendingReply is one response slot in the per-connection reorder queue.
// Slots are appended in request-decode order and released to the write
// queue in that same order once done.
type pendingReply struct {
	done  bool
	blobs [][]byte
}

// conn is one accepted IPC peer.
type conn struct {
	server *Server
	rwc    net.Conn

	// Read accumulator: undecoded input retained across reads. Touched
	// only by the serve goroutine.
	buf []byte

	mu      sync.Mutex
	flushed *sync.Cond // signaled whenever the writer goes idle
	queue   [][]byte   // outbound blobs, FIFO
	writing bool       // exactly one write in flight while true
	closed  bool
	replies []*pendingReply
}

func newConn(server *Server, rwc net.Conn) *conn {
	c := &conn{server: server, rwc: rwc}
	c.flushed = sync.NewCond(&c.mu)
	return c
}

// serve reads and dispatches requests until the peer disconnects or the
// server shuts down.
func (c *conn) serve() {
	defer c.server.wg.Done()
	defer c.teardown()

	chunk := make([]byte, 64*1024)
	for {
		n, err := c.rwc.Read(chunk)
		if n > 0 {
			c.server.touch()
			c.buf = append(c.buf, chunk[:n]...)
			if !c.processInput() {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(c.buf) > 0 {
				// The peer disconnected mid-frame: a fatal protocol
				// violation, like an unknown request type.
				c.server.log.Error().Int("bytes", len(c.buf)).Msg("connection closed mid-frame")
				c.server.Shutdown()
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
				c.server.log.Debug().Err(err).Msg("read error")
			}
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// processInput greedily decodes complete records from the accumulator,
// retaining an incomplete suffix for the next read. It returns false when
// the connection must stop reading (STOP or a protocol violation).
func (c *conn) processInput() bool {
	for {
		req, n, err := decodeRequest(c.buf)
		if err != nil {
			// Fatal protocol violation: shut down without responding.
			c.server.log.Error().Int("type", int(c.buf[0])).Msg("unknown request type")
			c.server.Shutdown()
			return false
		}
		if n == 0 {
			return true
		}
		c.buf = c.buf[n:]
		if len(c.buf) == 0 {
			c.buf = nil
		}
		if !c.dispatch(req) {
			return false
		}
	}
}

func (c *conn) dispatch(req request) bool {
	switch req.kind {
	case reqStop:
		c.server.log.Info().Msg("STOP request received")
		c.complete(c.addPending(), encodeStatus(statusOK))
		c.server.Shutdown()
		return false

	case reqGet:
		hexKey := hex.EncodeToString(req.key)
		c.server.log.Debug().Str("key", hexKey).Msg("GET request")
		reply := c.addPending()
		c.server.storage.Get(hexKey, func(response Response) {
			if response.Result == ResultOK {
				// Header and body are separate blobs; the write queue
				// keeps them ordered.
				c.complete(reply, encodeGetHeader(uint64(len(response.Data))), response.Data)
			} else {
				c.complete(reply, c.simpleReply("GET", response))
			}
		})

	case reqPut:
		hexKey := hex.EncodeToString(req.key)
		value := bytes.Clone(req.value)
		c.server.log.Debug().Str("key", hexKey).Int("bytes", len(value)).Msg("PUT request")
		reply := c.addPending()
		c.server.storage.Put(hexKey, value, req.overwrite, func(response Response) {
			c.complete(reply, c.simpleReply("PUT", response))
		})

	case reqRemove:
		hexKey := hex.EncodeToString(req.key)
		c.server.log.Debug().Str("key", hexKey).Msg("REMOVE request")
		reply := c.addPending()
		c.server.storage.Remove(hexKey, func(response Response) {
			c.complete(reply, c.simpleReply("REMOVE", response))
		})
	}
	return true
}

func (c *conn) simpleReply(op string, response Response) []byte {
	switch response.Result {
	case ResultOK:
		return encodeStatus(statusOK)
	case ResultNoop:
		return encodeStatus(statusNoop)
	default:
		c.server.log.Info().Str("op", op).Str("error", response.Err).Msg("request failed")
		return encodeError(response.Err)
	}
}

func (c *conn) addPending() *pendingReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply := &pendingReply{}
	c.replies = append(c.replies, reply)
	return reply
}

// complete fills a pending reply slot. Responses are released to the write
// queue strictly in the order their requests were decoded, regardless of
// the order storage operations finish in.
func (c *conn) complete(reply *pendingReply, blobs ...[]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reply.done = true
	reply.blobs = blobs
	for len(c.replies) > 0 && c.replies[0].done {
		head := c.replies[0]
		c.replies = c.replies[1:]
		c.enqueueLocked(head.blobs...)
	}
}

func (c *conn) enqueue(blobs ...[]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(blobs...)
}

func (c *conn) enqueueLocked(blobs ...[]byte) {
	if c.closed {
		return
	}
	c.queue = append(c.queue, blobs...)
	if !c.writing && len(c.queue) > 0 {
		c.writing = true
		c.server.wg.Add(1)
		go c.drain()
	}
}

// drain transmits queued blobs one at a time; a blob enqueued first is
// transmitted first, and at most one write is in flight at any moment.
func (c *conn) drain() {
	defer c.server.wg.Done()
	for {
		c.mu.Lock()
		if c.closed || len(c.queue) == 0 {
			c.queue = nil
			c.writing = false
			c.flushed.Broadcast()
			c.mu.Unlock()
			return
		}
		blob := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if _, err := c.rwc.Write(blob); err != nil {
			c.server.log.Debug().Err(err).Msg("write error")
			c.mu.Lock()
			c.queue = nil
			c.writing = false
			c.flushed.Broadcast()
			c.mu.Unlock()
			return
		}
	}
}

// beginClose unblocks the serve goroutine so the connection can tear down;
// queued responses still get a bounded chance to flush.
func (c *conn) beginClose() {
	_ = c.rwc.SetReadDeadline(time.Now())
}

// teardown flushes the write queue (best effort, bounded by flushTimeout)
// and closes the stream. Late storage completions after this are dropped.
func (c *conn) teardown() {
	_ = c.rwc.SetWriteDeadline(time.Now().Add(flushTimeout))
	c.mu.Lock()
	for c.writing {
		c.flushed.Wait()
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()

	_ = c.rwc.Close()
	c.server.removeConn(c)
	c.server.log.Debug().Msg("Client disconnected")
}
