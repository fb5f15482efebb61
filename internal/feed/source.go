package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Source delivers frames until ctx is cancelled or the source fails.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- *Frame) error
}

// send blocks until the frame is accepted or ctx is done.
func send(ctx context.Context, out chan<- *Frame, f *Frame) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// NATSSource subscribes to a subject carrying ASTERIX frames. Payloads are
// read with the configured Encoding.
type NATSSource struct {
	conn     *nats.Conn
	subject  string
	queue    string
	encoding Encoding
	log      *logrus.Entry
}

// NATSOptions configures a NATSSource.
type NATSOptions struct {
	URL     string
	Subject string
	Queue   string // optional queue group
	Name    string // client name shown by the server

	// Encoding of the payloads. Empty means EncodingAuto, which cannot tell
	// binary frames that happen to look like hex text or JSON apart.
	Encoding Encoding
}

// NewNATSSource connects to the server. The connection is closed when Run returns.
func NewNATSSource(opts NATSOptions) (*NATSSource, error) {
	if opts.Name == "" {
		opts.Name = "asterix_decoder"
	}
	enc, err := ParseEncoding(string(opts.Encoding))
	if err != nil {
		return nil, err
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSSource{
		conn:     conn,
		subject:  opts.Subject,
		queue:    opts.Queue,
		encoding: enc,
		log:      logrus.WithFields(logrus.Fields{"source": "nats", "subject": opts.Subject}),
	}, nil
}

func (s *NATSSource) Name() string { return "nats:" + s.subject }

// Run subscribes and forwards frames until ctx is cancelled.
func (s *NATSSource) Run(ctx context.Context, out chan<- *Frame) error {
	defer s.conn.Close()

	msgs := make(chan *nats.Msg, 1024)
	var (
		sub *nats.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.conn.ChanQueueSubscribe(s.subject, s.queue, msgs)
	} else {
		sub, err = s.conn.ChanSubscribe(s.subject, msgs)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	s.log.Info("subscribed")
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			f, err := DecodePayload(m.Subject, m.Data, s.encoding)
			if err != nil {
				s.log.WithError(err).Warn("dropping payload")
				continue
			}
			if !send(ctx, out, f) {
				return nil
			}
		}
	}
}

// Encoding names how a message payload carries a frame.
type Encoding string

const (
	// EncodingAuto guesses from content: JSON when the payload starts with
	// '{', hex when it only holds hex digits and whitespace, binary otherwise.
	// A binary CAT 123 block or one made only of hex digit bytes is misread.
	EncodingAuto   Encoding = "auto"
	EncodingBinary Encoding = "binary"
	EncodingHex    Encoding = "hex"
	EncodingJSON   Encoding = "json"
)

// ParseEncoding validates an encoding name. Empty selects EncodingAuto.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case "":
		return EncodingAuto, nil
	case EncodingAuto, EncodingBinary, EncodingHex, EncodingJSON:
		return e, nil
	default:
		return "", fmt.Errorf("unknown payload encoding %q (want auto, binary, hex or json)", s)
	}
}

// FrameFromPayload interprets a message payload with EncodingAuto.
func FrameFromPayload(source string, data []byte) (*Frame, error) {
	return DecodePayload(source, data, EncodingAuto)
}

// DecodePayload builds a frame from a payload in the given encoding.
func DecodePayload(source string, data []byte, enc Encoding) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	if enc == "" || enc == EncodingAuto {
		switch {
		case data[0] == '{':
			enc = EncodingJSON
		case isHexText(data):
			enc = EncodingHex
		default:
			enc = EncodingBinary
		}
	}

	switch enc {
	case EncodingJSON:
		if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
			return nil, errors.New("payload is not a JSON object")
		}
		f, _, err := ParseLine(data)
		if err != nil {
			return nil, err
		}
		if f.Source == "" {
			f.Source = source
		}
		return f, nil
	case EncodingHex:
		raw, err := DecodeHex(string(data))
		if err != nil {
			return nil, err
		}
		return NewFrame(source, raw), nil
	case EncodingBinary:
		raw := make([]byte, len(data))
		copy(raw, data)
		return NewFrame(source, raw), nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", enc)
	}
}

// UDPSource receives one frame per datagram.
type UDPSource struct {
	addr string
	log  *logrus.Entry

	ready chan net.Addr
}

// maxDatagram bounds a single read.
const maxDatagram = 65535

// NewUDPSource creates a source listening on addr (host:port).
func NewUDPSource(addr string) *UDPSource {
	return &UDPSource{
		addr:  addr,
		log:   logrus.WithFields(logrus.Fields{"source": "udp", "addr": addr}),
		ready: make(chan net.Addr, 1),
	}
}

func (s *UDPSource) Name() string { return "udp:" + s.addr }

// Ready yields the bound address once Run is listening.
func (s *UDPSource) Ready() <-chan net.Addr { return s.ready }

// Run listens until ctx is cancelled.
func (s *UDPSource) Run(ctx context.Context, out chan<- *Frame) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", s.addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", s.addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	s.ready <- conn.LocalAddr()
	s.log.WithField("local", conn.LocalAddr().String()).Info("listening")

	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if !send(ctx, out, NewFrame(peer.String(), data)) {
			return nil
		}
	}
}
