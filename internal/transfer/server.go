// Package transfer moves offloaded KV cache blocks between processes over
// Arrow Flight. A ticket or descriptor path names what to move: "all" or
// "seq/<id>".
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/offload"
)

const pathAll = "all"

// SeqPath is the descriptor path of one sequence's blocks.
func SeqPath(seq int) []string { return []string{"seq", strconv.Itoa(seq)} }

func ticketFor(path []string) []byte { return []byte(strings.Join(path, "/")) }

// parsePath returns the sequence a path selects, or -1 for every block.
func parsePath(path []string) (int, error) {
	switch {
	case len(path) == 1 && path[0] == pathAll:
		return -1, nil
	case len(path) == 2 && path[0] == "seq":
		seq, err := strconv.Atoi(path[1])
		if err != nil || seq < 0 {
			return 0, fmt.Errorf("invalid sequence %q", path[1])
		}
		return seq, nil
	}
	return 0, fmt.Errorf("unknown path %q", strings.Join(path, "/"))
}

// Server serves the blocks of an offload store.
type Server struct {
	flight.BaseFlightServer

	store *offload.Store
	mem   memory.Allocator
	srv   flight.Server
}

func NewServer(store *offload.Store) *Server {
	return &Server{store: store, mem: memory.DefaultAllocator}
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.srv = flight.NewServerWithMiddleware(nil)
	if err := s.srv.Init(addr); err != nil {
		return fmt.Errorf("transfer: listen on %s: %w", addr, err)
	}
	s.srv.RegisterFlightService(s)
	go func() {
		if err := s.srv.Serve(); err != nil {
			log().Error("Flight server stopped", "error", err)
		}
	}()
	log().Info("Flight transfer server started", "addr", s.srv.Addr())
	return nil
}

// Addr is the listening address once Start has returned.
func (s *Server) Addr() net.Addr { return s.srv.Addr() }

func (s *Server) Stop() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
}

func (s *Server) keys(seq int) []offload.BlockKey {
	keys := s.store.Keys()
	if seq < 0 {
		return keys
	}
	return slices.DeleteFunc(keys, func(k offload.BlockKey) bool { return k.Seq != seq })
}

func (s *Server) info(path []string, keys []offload.BlockKey) *flight.FlightInfo {
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(offload.Schema, s.mem),
		FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: path},
		Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: ticketFor(path)}}},
		TotalRecords:     int64(len(keys)),
		TotalBytes:       -1,
	}
}

func (s *Server) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	seq, err := parsePath(desc.GetPath())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	keys := s.keys(seq)
	if seq >= 0 && len(keys) == 0 {
		return nil, status.Errorf(codes.NotFound, "no blocks for sequence %d", seq)
	}
	return s.info(desc.GetPath(), keys), nil
}

// ListFlights advertises one flight per offloaded sequence.
func (s *Server) ListFlights(_ *flight.Criteria, fs flight.FlightService_ListFlightsServer) error {
	counts := map[int]int{}
	var seqs []int
	for _, k := range s.store.Keys() {
		if counts[k.Seq] == 0 {
			seqs = append(seqs, k.Seq)
		}
		counts[k.Seq]++
	}
	for _, seq := range seqs {
		info := s.info(SeqPath(seq), nil)
		info.TotalRecords = int64(counts[seq])
		if err := fs.Send(info); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) DoGet(tkt *flight.Ticket, fs flight.FlightService_DoGetServer) error {
	seq, err := parsePath(strings.Split(string(tkt.GetTicket()), "/"))
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	keys := s.keys(seq)
	if seq >= 0 && len(keys) == 0 {
		return status.Errorf(codes.NotFound, "no blocks for sequence %d", seq)
	}

	w := flight.NewRecordWriter(fs, ipc.WithSchema(offload.Schema), ipc.WithAllocator(s.mem))
	defer w.Close()
	for len(keys) > 0 {
		n := min(len(keys), batchRows)
		rec, err := s.store.Record(s.mem, keys[:n])
		if err != nil {
			// evicted between listing and reading
			return status.Error(codes.Aborted, err.Error())
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
		keys = keys[n:]
	}
	log().Debug("Served blocks", "ticket", string(tkt.GetTicket()))
	return nil
}

// DoPut ingests pushed blocks and answers with the number stored.
func (s *Server) DoPut(fs flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(fs, ipc.WithSchema(offload.Schema), ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer rdr.Release()

	var total int
	for rdr.Next() {
		n, err := s.store.Ingest(rdr.Record())
		total += n
		if errors.Is(err, offload.ErrBudgetExceeded) {
			return status.Error(codes.ResourceExhausted, err.Error())
		}
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}
	if err := rdr.Err(); err != nil {
		return err
	}
	log().Info("Received blocks", "blocks", total)
	return fs.Send(&flight.PutResult{AppMetadata: []byte(strconv.Itoa(total))})
}

func log() *logger.Logger {
	return logger.Log.With("component", "transfer")
}
