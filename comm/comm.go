/*Package comm provides connection management for instruments on a network or serial link.

Most usages of this package will boil down to:
	1.  make a CreationFunc with BackingOffTCPConnMaker or SerialConnMaker
	2.  put it in a Pool sized for the instrument (usually 1)
	3.  Get a connection, wrap it with NewTerminator and NewTimeout, and
		return it with ReturnWithError when the transaction is over

A minimal example for a sensor that responds to "RDGK? 6" with a temperature:

	maker := comm.BackingOffTCPConnMaker("192.168.0.12:7777", time.Second)
	pool := comm.NewPool(1, 10*time.Second, maker)
	conn, err := pool.Get()
	if err != nil {
		return 0, err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTimeout(comm.NewTerminator(conn, '\n', []byte("\r\n")), time.Second)
	_, err = io.WriteString(wrap, "RDGK? 6")
	...
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// BackingOffTCPConnMaker returns a CreationFunc that dials addr over TCP.
// Dial failures other than a refused connection are retried with an
// exponential backoff for up to a few seconds; some instruments do not like
// being connection thrashed.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			c, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			if perm, ok := err.(*backoff.PermanentError); ok {
				return nil, perm.Err
			}
			return nil, err
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// Terminator frames traffic on a ReadWriter.  Writes have Tx appended,
// reads return one frame ending in Rx, with Rx stripped.
type Terminator struct {
	rw io.ReadWriter
	br *bufio.Reader

	// Rx is the byte that ends an incoming frame
	Rx byte

	// Tx is appended to every outgoing frame
	Tx []byte
}

// NewTerminator wraps rw with the given termination sequences
func NewTerminator(rw io.ReadWriter, rx byte, tx []byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), Rx: rx, Tx: tx}
}

// Write sends p followed by the Tx terminator in a single write.
// The returned count does not include the terminator.
func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, 0, len(p)+len(t.Tx))
	buf = append(buf, p...)
	buf = append(buf, t.Tx...)
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read copies one frame into p.  If the frame does not fit, io.ErrShortBuffer
// is returned along with the bytes that did.
func (t *Terminator) Read(p []byte) (int, error) {
	frame, err := t.br.ReadBytes(t.Rx)
	if err != nil {
		if len(frame) > 0 && err == io.EOF {
			return copy(p, frame), ErrTerminatorNotFound
		}
		return 0, err
	}
	frame = bytes.TrimSuffix(frame, []byte{t.Rx})
	n := copy(p, frame)
	if n < len(frame) {
		return n, io.ErrShortBuffer
	}
	return n, nil
}

// SetDeadline forwards to the wrapped connection if it supports deadlines
func (t *Terminator) SetDeadline(tm time.Time) error {
	if d, ok := t.rw.(deadliner); ok {
		return d.SetDeadline(tm)
	}
	return nil
}

// Timeout applies a fresh deadline before every Read and Write
type Timeout struct {
	rw      io.ReadWriter
	d       deadliner
	timeout time.Duration
}

// NewTimeout wraps rw so that each operation must complete within timeout.
// If rw cannot take a deadline (e.g. a serial port, which has its own
// ReadTimeout) it is returned unchanged.
func NewTimeout(rw io.ReadWriter, timeout time.Duration) io.ReadWriter {
	d, ok := rw.(deadliner)
	if !ok {
		return rw
	}
	return &Timeout{rw: rw, d: d, timeout: timeout}
}

func (t *Timeout) Read(p []byte) (int, error) {
	if err := t.d.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

func (t *Timeout) Write(p []byte) (int, error) {
	if err := t.d.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return 0, err
	}
	return t.rw.Write(p)
}
