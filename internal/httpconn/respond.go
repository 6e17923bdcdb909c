package httpconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/emberweb/emberweb/internal/store"
)

const (
	ok200Title    = "OK"
	error400Title = "Bad Request"
	error400Form  = "Your request has bad syntax or is inherently impossible to satisfy.\n"
	error403Title = "Forbidden"
	error403Form  = "You do not have permission to get file from this server.\n"
	error404Title = "Not Found"
	error404Form  = "The requested file was not found on this server.\n"
	error500Title = "Internal Error"
	error500Form  = "There was an unusual problem serving the requested file.\n"

	emptyPageBody = "<html><body></body></html>"
)

// Synthetic targets the router rewrites to.
const (
	pageRegisterForm  = "/register.html"
	pageLoginForm     = "/log.html"
	pageWelcome       = "/welcome.html"
	pageLoginError    = "/logError.html"
	pageRegisterError = "/registerError.html"
	pagePicture       = "/picture.html"
	pageVideo         = "/video.html"
	pageFans          = "/fans.html"
)

const registerTimeout = 5 * time.Second

// dispatch maps the parsed target onto a file under the document root. The
// character after the last '/' selects the route; the two CGI-style POST
// routes run the credential check first and rewrite the target from its
// result.
func (c *Conn) dispatch(reg store.Registrar) Outcome {
	target := c.path
	var route byte
	if i := strings.LastIndexByte(target, '/'); i >= 0 && i+1 < len(target) {
		route = target[i+1]
	}

	switch {
	case c.cgi && (route == '2' || route == '3'):
		name, password, ok := parseCredentials(c.body)
		if !ok {
			return BadRequest
		}
		if route == '3' {
			target = c.register(reg, name, password)
		} else {
			target = c.login(name, password)
		}
	case route == '0':
		target = pageRegisterForm
	case route == '1':
		target = pageLoginForm
	case route == '5':
		target = pagePicture
	case route == '6':
		target = pageVideo
	case route == '7':
		target = pageFans
	}

	return c.stageFile(target)
}

// register inserts the user through the borrowed handle under the table
// lock; duplicates and database failures both land on the error page.
func (c *Conn) register(reg store.Registrar, name, password string) string {
	err := c.users.Register(name, password, func() error {
		if reg == nil {
			return errors.New("no database handle")
		}
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		defer cancel()
		return reg.Register(ctx, name, password)
	})
	if err != nil {
		if !errors.Is(err, store.ErrDuplicateUser) {
			slog.Warn("registration failed", "user", name, "err", err)
		}
		return pageRegisterError
	}
	slog.Info("user registered", "user", name)
	return pageLoginForm
}

func (c *Conn) login(name, password string) string {
	if stored, ok := c.users.Lookup(name); ok && stored == password {
		return pageWelcome
	}
	return pageLoginError
}

// stageFile stats, opens, and maps the target under the document root. The
// file descriptor is closed immediately after mapping.
func (c *Conn) stageFile(target string) Outcome {
	full := filepath.Join(c.docRoot, filepath.Clean("/"+target))

	var st unix.Stat_t
	if err := unix.Stat(full, &st); err != nil {
		return NotFound
	}
	if st.Mode&unix.S_IROTH == 0 {
		return Forbidden
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return BadRequest
	}

	fd, err := unix.Open(full, unix.O_RDONLY, 0)
	if err != nil {
		return NotFound
	}
	if st.Size > 0 {
		data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
		if err != nil {
			unix.Close(fd)
			slog.Error("mmap failed", "path", full, "err", err)
			return InternalError
		}
		c.file = data
	}
	unix.Close(fd)
	return FileServed
}

// prepareResponse fills the header buffer and the scatter/gather accounting
// for the outcome. Error responses carry their form inline; a success
// response pairs the header buffer with the mapped file region.
func (c *Conn) prepareResponse(out Outcome) bool {
	var ok bool
	switch out {
	case FileServed:
		if !c.addStatusLine(200, ok200Title) {
			return false
		}
		if len(c.file) > 0 {
			if !c.addHeaders(len(c.file)) {
				return false
			}
			c.bytesToSend = c.writeEnd + len(c.file)
			return true
		}
		ok = c.addHeaders(len(emptyPageBody)) && c.addContent(emptyPageBody)
	case BadRequest:
		ok = c.addStatusLine(400, error400Title) && c.addHeaders(len(error400Form)) && c.addContent(error400Form)
	case Forbidden:
		ok = c.addStatusLine(403, error403Title) && c.addHeaders(len(error403Form)) && c.addContent(error403Form)
	case NotFound:
		ok = c.addStatusLine(404, error404Title) && c.addHeaders(len(error404Form)) && c.addContent(error404Form)
	default:
		ok = c.addStatusLine(500, error500Title) && c.addHeaders(len(error500Form)) && c.addContent(error500Form)
	}
	if !ok {
		return false
	}
	c.bytesToSend = c.writeEnd
	return true
}

func (c *Conn) addResponse(format string, args ...any) bool {
	if c.writeEnd >= len(c.writeBuf) {
		return false
	}
	s := fmt.Sprintf(format, args...)
	if c.writeEnd+len(s) >= len(c.writeBuf) {
		return false
	}
	copy(c.writeBuf[c.writeEnd:], s)
	c.writeEnd += len(s)
	return true
}

func (c *Conn) addStatusLine(status int, title string) bool {
	return c.addResponse("%s %d %s\r\n", "HTTP/1.1", status, title)
}

func (c *Conn) addHeaders(contentLength int) bool {
	return c.addContentLength(contentLength) && c.addLinger() && c.addContentType() && c.addBlankLine()
}

func (c *Conn) addContentLength(n int) bool {
	return c.addResponse("Content-Length: %d\r\n", n)
}

func (c *Conn) addLinger() bool {
	if c.keepAlive {
		return c.addResponse("Connection: %s\r\n", "Keep-Alive")
	}
	return c.addResponse("Connection: %s\r\n", "Close")
}

func (c *Conn) addContentType() bool {
	return c.addResponse("Content-Type: %s\r\n", "text/html")
}

func (c *Conn) addBlankLine() bool {
	return c.addResponse("%s", "\r\n")
}

func (c *Conn) addContent(body string) bool {
	return c.addResponse("%s", body)
}

// WriteResult tells the reactor what to do with the connection after a
// write-readiness pass.
type WriteResult int

const (
	WriteAgain     WriteResult = iota // would-block; re-armed for write
	WriteKeepAlive                    // response done; parser reset, armed for read
	WriteClose                        // response done; evict
	WriteError                        // write failed; evict
)

// DriveWrite issues vectored writes until the response is fully sent or the
// kernel reports would-block. Runs on the reactor.
func (c *Conn) DriveWrite() WriteResult {
	if c.bytesToSend == 0 {
		// spurious write readiness with nothing pending
		c.reset()
		if err := c.poller.RearmRead(c.fd); err != nil {
			return WriteError
		}
		return WriteKeepAlive
	}

	for {
		n, err := unix.Writev(c.fd, c.pendingSegments())
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			if e := c.poller.RearmWrite(c.fd); e != nil {
				c.unmap()
				return WriteError
			}
			return WriteAgain
		}
		if err != nil {
			c.unmap()
			return WriteError
		}

		c.bytesSent += n
		c.bytesToSend -= n
		if c.bytesToSend <= 0 {
			c.unmap()
			if !c.keepAlive {
				return WriteClose
			}
			c.reset()
			if e := c.poller.RearmRead(c.fd); e != nil {
				return WriteError
			}
			return WriteKeepAlive
		}
	}
}

// pendingSegments recomputes the scatter/gather descriptor: segment 0 is
// the unsent prefix of the header buffer (possibly empty), segment 1 the
// unsent suffix of the mapped file.
func (c *Conn) pendingSegments() [][]byte {
	if c.bytesSent >= c.writeEnd {
		return [][]byte{c.file[c.bytesSent-c.writeEnd:]}
	}
	if c.file == nil {
		return [][]byte{c.writeBuf[c.bytesSent:c.writeEnd]}
	}
	return [][]byte{c.writeBuf[c.bytesSent:c.writeEnd], c.file}
}

func (c *Conn) unmap() {
	if c.file != nil {
		if err := unix.Munmap(c.file); err != nil {
			slog.Warn("munmap failed", "fd", c.fd, "err", err)
		}
		c.file = nil
	}
}
