// Package httpconn holds the per-connection state: the bounded read buffer
// and its parse cursors, the two-level HTTP/1.1 state machine, and the
// scatter/gather response path over a memory-mapped file.
package httpconn

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/emberweb/emberweb/internal/event"
	"github.com/emberweb/emberweb/internal/store"
)

const (
	readBufSize  = 2048
	writeBufSize = 1024
	maxFieldLen  = 99
)

// checkState is the parser ("to") machine state.
type checkState int

const (
	stateRequestLine checkState = iota
	stateHeaders
	stateBody
)

// lineStatus is the line scanner ("from") machine outcome.
type lineStatus int

const (
	lineOK lineStatus = iota
	lineOpen
	lineBad
)

// parseResult is the internal outcome of one parser step.
type parseResult int

const (
	parseContinue parseResult = iota // keep scanning, or wait for more I/O
	parseComplete                    // a full request is buffered
	parseBad                         // malformed; answer 400
	parseClosed                      // unservable; close with no response
)

// Outcome classifies one parse-and-respond pass at the HTTP boundary.
type Outcome int

const (
	NoRequest Outcome = iota // need more input
	FileServed
	BadRequest
	Forbidden
	NotFound
	InternalError
	Closed
)

// Status returns the HTTP status code for a response-producing outcome,
// or 0 when no response is sent.
func (o Outcome) Status() int {
	switch o {
	case FileServed:
		return 200
	case BadRequest:
		return 400
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case InternalError:
		return 500
	}
	return 0
}

// Conn is one connection slot, owned exclusively by whichever of reactor
// and worker currently holds responsibility for its socket.
type Conn struct {
	fd     int
	peer   string
	poller *event.Poller

	docRoot string
	users   *store.Cache

	// read buffer and cursors; lineStart <= checked <= readEnd <= len(readBuf)
	readBuf   [readBufSize]byte
	readEnd   int
	checked   int
	lineStart int

	state checkState

	// parsed request fields
	method        string
	path          string
	version       string
	host          string
	contentLength int
	keepAlive     bool
	cgi           bool
	body          []byte

	// response state
	writeBuf    [writeBufSize]byte
	writeEnd    int
	file        []byte // mmap'd region, valid from response-prepared to response-completed
	bytesToSend int
	bytesSent   int
}

// New initializes a slot for a freshly accepted socket.
func New(fd int, peer string, p *event.Poller, docRoot string, users *store.Cache) *Conn {
	return &Conn{fd: fd, peer: peer, poller: p, docRoot: docRoot, users: users}
}

// FD returns the connection's socket descriptor.
func (c *Conn) FD() int { return c.fd }

// Peer returns the remote address the socket was accepted from.
func (c *Conn) Peer() string { return c.peer }

// reset clears per-request state for the next request on a kept-alive
// connection. The mapped file must already be released.
func (c *Conn) reset() {
	c.readEnd, c.checked, c.lineStart = 0, 0, 0
	c.state = stateRequestLine
	c.method, c.path, c.version, c.host = "", "", "", ""
	c.contentLength = 0
	c.keepAlive = false
	c.cgi = false
	c.body = nil
	c.writeEnd = 0
	c.file = nil
	c.bytesToSend, c.bytesSent = 0, 0
}

// Cleanup releases the mapped file if the connection is torn down while a
// response is still in flight. Called by the reactor on eviction.
func (c *Conn) Cleanup() {
	c.unmap()
}

// DrainRead pulls everything the kernel has buffered into the read buffer,
// looping until would-block as the edge-triggered registration requires.
// Zero bytes returned signals orderly close. Cursors and parser state are
// untouched so the next parse resumes exactly where it left off.
func (c *Conn) DrainRead() error {
	for {
		if c.readEnd == len(c.readBuf) {
			// Buffer full. The parser decides whether a complete request
			// is buffered; an incomplete one can never finish.
			return nil
		}
		n, err := unix.Read(c.fd, c.readBuf[c.readEnd:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading fd %d: %w", c.fd, err)
		}
		if n == 0 {
			return io.EOF
		}
		c.readEnd += n
	}
}

// Process runs the state machine over whatever has been read so far. It is
// called from a worker while the socket is un-armed, so the worker owns the
// slot for the duration. Returns the HTTP status of the prepared response,
// or 0 when none was produced.
func (c *Conn) Process(reg store.Registrar) int {
	out := c.parse(reg)
	switch out {
	case NoRequest:
		if err := c.poller.RearmRead(c.fd); err != nil {
			c.Abort()
		}
		return 0
	case Closed:
		c.Abort()
		return 0
	}
	if !c.prepareResponse(out) {
		c.unmap()
		c.Abort()
		return 0
	}
	if err := c.poller.RearmWrite(c.fd); err != nil {
		c.unmap()
		c.Abort()
		return 0
	}
	return out.Status()
}

// Abort shuts the socket down and re-arms it so the reactor observes the
// hang-up and performs the single authoritative eviction. Workers never
// close sockets or touch the user counter themselves.
func (c *Conn) Abort() {
	unix.Shutdown(c.fd, unix.SHUT_RDWR)
	_ = c.poller.RearmRead(c.fd)
}

// parse drives the two nested machines: stay in the loop while the current
// state is Body with enough buffered bytes pending, or while the scanner
// can produce another complete line.
func (c *Conn) parse(reg store.Registrar) Outcome {
	for {
		if c.state == stateBody {
			switch c.parseBody() {
			case parseComplete:
				return c.dispatch(reg)
			case parseClosed:
				return Closed
			default:
				return NoRequest
			}
		}

		line, st := c.nextLine()
		if st == lineOpen {
			if c.readEnd == len(c.readBuf) {
				// header section outgrew the buffer
				return Closed
			}
			return NoRequest
		}
		if st == lineBad {
			return BadRequest
		}

		switch c.state {
		case stateRequestLine:
			if c.parseRequestLine(line) == parseBad {
				return BadRequest
			}
		case stateHeaders:
			switch c.parseHeader(line) {
			case parseComplete:
				return c.dispatch(reg)
			case parseBad:
				return BadRequest
			case parseClosed:
				return Closed
			}
		}
	}
}

// nextLine scans from checked toward readEnd for CRLF and returns the line
// between lineStart and the terminator. A trailing CR with no following
// byte means more I/O is needed; a CR followed by anything but LF is
// malformed. A LF whose predecessor is CR is also accepted, tolerating a
// terminator split across buffer fills.
func (c *Conn) nextLine() ([]byte, lineStatus) {
	for ; c.checked < c.readEnd; c.checked++ {
		switch c.readBuf[c.checked] {
		case '\r':
			if c.checked+1 == c.readEnd {
				return nil, lineOpen
			}
			if c.readBuf[c.checked+1] == '\n' {
				line := c.readBuf[c.lineStart:c.checked]
				c.checked += 2
				c.lineStart = c.checked
				return line, lineOK
			}
			return nil, lineBad
		case '\n':
			if c.checked > 0 && c.readBuf[c.checked-1] == '\r' {
				line := c.readBuf[c.lineStart : c.checked-1]
				c.checked++
				c.lineStart = c.checked
				return line, lineOK
			}
			return nil, lineBad
		}
	}
	return nil, lineOpen
}

func (c *Conn) parseRequestLine(line []byte) parseResult {
	fields := bytes.Fields(line)
	if len(fields) != 3 {
		return parseBad
	}

	method := string(fields[0])
	if method != "GET" && method != "POST" {
		return parseBad
	}
	c.method = method
	c.cgi = method == "POST"

	target := string(fields[1])
	if rest, ok := strings.CutPrefix(target, "http://"); ok {
		i := strings.IndexByte(rest, '/')
		if i < 0 {
			return parseBad
		}
		target = rest[i:]
	}
	if len(target) == 0 || target[0] != '/' {
		return parseBad
	}
	if target == "/" {
		target = "/homepage.html"
	}
	c.path = target

	c.version = string(fields[2])
	if c.version != "HTTP/1.1" {
		return parseBad
	}

	c.state = stateHeaders
	return parseContinue
}

func (c *Conn) parseHeader(line []byte) parseResult {
	if len(line) == 0 {
		// empty line terminates the header section
		if c.contentLength == 0 {
			return parseComplete
		}
		if c.checked+c.contentLength > len(c.readBuf) {
			// the declared body can never fit; close with no response
			return parseClosed
		}
		c.state = stateBody
		return parseContinue
	}

	if v, ok := headerValue(line, "Host:"); ok {
		c.host = string(v)
	} else if v, ok := headerValue(line, "Content-Length:"); ok {
		n, err := strconv.Atoi(string(v))
		if err != nil || n < 0 {
			return parseBad
		}
		c.contentLength = n
	} else if v, ok := headerValue(line, "Connection:"); ok {
		if strings.EqualFold(string(v), "keep-alive") {
			c.keepAlive = true
		}
	} else {
		slog.Debug("ignoring unknown header", "line", string(line))
	}
	return parseContinue
}

// parseBody waits until contentLength bytes beyond the headers are
// buffered, then records the form body.
func (c *Conn) parseBody() parseResult {
	if c.checked+c.contentLength > len(c.readBuf) {
		return parseClosed
	}
	if c.readEnd-c.checked < c.contentLength {
		return parseContinue
	}
	c.body = c.readBuf[c.checked : c.checked+c.contentLength]
	c.checked += c.contentLength
	c.lineStart = c.checked
	return parseComplete
}

// headerValue matches line against name (ASCII case-insensitive) and
// returns the value with leading spaces and tabs trimmed.
func headerValue(line []byte, name string) ([]byte, bool) {
	if len(line) < len(name) || !strings.EqualFold(string(line[:len(name)]), name) {
		return nil, false
	}
	return bytes.TrimLeft(line[len(name):], " \t"), true
}

// parseCredentials splits a form body of the shape
// user=<name>&password=<password>, each field bounded.
func parseCredentials(body []byte) (name, password string, ok bool) {
	rest, found := strings.CutPrefix(string(body), "user=")
	if !found {
		return "", "", false
	}
	name, password, found = strings.Cut(rest, "&password=")
	if !found || name == "" || password == "" {
		return "", "", false
	}
	if len(name) > maxFieldLen || len(password) > maxFieldLen {
		return "", "", false
	}
	return name, password, true
}
