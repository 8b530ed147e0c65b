package control

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/kstorage/kstor/guid"
	"github.com/kstorage/kstor/kerr"
)

// Wire protocol constants shared with the control client.
const (
	packetMagic uint32 = 0xCCBECCBE

	packetTypePing        uint32 = 1
	packetTypeChunkWrite  uint32 = 2
	packetTypeChunkRead   uint32 = 3
	packetTypeChunkDelete uint32 = 4

	chunkSize         = 65536
	pingMaxDataSize   = 2 * chunkSize
)

// packetHeader mirrors client.go's PacketHeader: four little-endian u32
// fields, sent with no padding.
type packetHeader struct {
	Magic    uint32
	Type     uint32
	DataSize uint32
	Result   uint32
}

func readHeader(r io.Reader) (packetHeader, error) {
	var raw [16]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return packetHeader{}, err
	}
	return packetHeader{
		Magic:    binary.LittleEndian.Uint32(raw[0:4]),
		Type:     binary.LittleEndian.Uint32(raw[4:8]),
		DataSize: binary.LittleEndian.Uint32(raw[8:12]),
		Result:   binary.LittleEndian.Uint32(raw[12:16]),
	}, nil
}

func writeHeader(w io.Writer, h packetHeader) error {
	var raw [16]byte
	binary.LittleEndian.PutUint32(raw[0:4], h.Magic)
	binary.LittleEndian.PutUint32(raw[4:8], h.Type)
	binary.LittleEndian.PutUint32(raw[8:12], h.DataSize)
	binary.LittleEndian.PutUint32(raw[12:16], h.Result)
	_, err := w.Write(raw[:])
	return err
}

// Server is the TCP listener side of the wire protocol, dispatching into a
// Service. One goroutine per accepted connection, each running its own
// request/response loop until the client disconnects or sends a malformed
// packet.
type Server struct {
	service *Service
	logger  log.Logger

	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer constructs a Server bound to service, not yet listening.
func NewServer(service *Service, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{service: service, logger: log.With(logger, "component", "control-server")}
}

// Start begins listening on host:port and accepting connections in the
// background.
func (s *Server) Start(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return kerr.Wrap(kerr.IoError, err, "control: listen")
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	level.Info(s.logger).Log("msg", "listening", "addr", ln.Addr())
	return nil
}

// Stop closes the listener and waits for the accept loop to exit. Any
// connections already accepted run to completion on their own goroutines.
func (s *Server) Stop() error {
	if s.listener == nil {
		return kerr.New(kerr.InvalidState)
	}
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		hdr, err := readHeader(conn)
		if err != nil {
			return
		}
		if hdr.Magic != packetMagic {
			level.Warn(s.logger).Log("msg", "bad packet magic", "magic", hdr.Magic)
			return
		}
		if hdr.DataSize > pingMaxDataSize {
			level.Warn(s.logger).Log("msg", "packet too large", "size", hdr.DataSize)
			return
		}

		body := make([]byte, hdr.DataSize)
		if hdr.DataSize > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}

		respType, respBody, kind := s.dispatch(hdr.Type, body)
		if err := writeHeader(conn, packetHeader{
			Magic:    packetMagic,
			Type:     respType,
			DataSize: uint32(len(respBody)),
			Result:   uint32(kind),
		}); err != nil {
			return
		}
		if len(respBody) > 0 {
			if _, err := conn.Write(respBody); err != nil {
				return
			}
		}
	}
}

// dispatch runs one request body through the matching Service method and
// returns a response type, body, and kerr.Kind result code, mirroring
// PacketHeader.Result in client.go.
func (s *Server) dispatch(reqType uint32, body []byte) (respType uint32, respBody []byte, kind kerr.Kind) {
	switch reqType {
	case packetTypePing:
		return packetTypePing, body, kerr.Success

	case packetTypeChunkWrite:
		if len(body) != guid.Size+chunkSize {
			return packetTypeChunkWrite, nil, kerr.InvalidValue
		}
		id, err := parseChunkID(body[:guid.Size])
		if err != nil {
			return packetTypeChunkWrite, nil, kerr.KindOf(err)
		}
		// The wire protocol has no distinct create message (see
		// original_source/golang/client.go): ChunkWrite creates the chunk
		// on first use.
		if err := s.service.ChunkCreate(id); err != nil && !kerr.Is(err, kerr.AlreadyExists) {
			return packetTypeChunkWrite, nil, kerr.KindOf(err)
		}
		if err := s.service.ChunkWrite(id, body[guid.Size:]); err != nil {
			return packetTypeChunkWrite, nil, kerr.KindOf(err)
		}
		return packetTypeChunkWrite, nil, kerr.Success

	case packetTypeChunkRead:
		if len(body) != guid.Size {
			return packetTypeChunkRead, nil, kerr.InvalidValue
		}
		id, err := parseChunkID(body)
		if err != nil {
			return packetTypeChunkRead, nil, kerr.KindOf(err)
		}
		data, err := s.service.ChunkRead(id)
		if err != nil {
			return packetTypeChunkRead, nil, kerr.KindOf(err)
		}
		return packetTypeChunkRead, data, kerr.Success

	case packetTypeChunkDelete:
		if len(body) != guid.Size {
			return packetTypeChunkDelete, nil, kerr.InvalidValue
		}
		id, err := parseChunkID(body)
		if err != nil {
			return packetTypeChunkDelete, nil, kerr.KindOf(err)
		}
		if err := s.service.ChunkDelete(id); err != nil {
			return packetTypeChunkDelete, nil, kerr.KindOf(err)
		}
		return packetTypeChunkDelete, nil, kerr.Success

	default:
		return reqType, nil, kerr.UnknownCode
	}
}

func parseChunkID(b []byte) (guid.GUID, error) {
	if len(b) != guid.Size {
		return guid.Nil, kerr.New(kerr.InvalidValue)
	}
	var raw [guid.Size]byte
	copy(raw[:], b)
	return guid.FromBytes(raw), nil
}
