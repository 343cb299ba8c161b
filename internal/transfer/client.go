package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-kvcache/internal/offload"
)

// batchRows bounds the blocks sent per record batch.
const batchRows = 128

// DefaultTimeout applies to calls whose context has no deadline.
const DefaultTimeout = 30 * time.Second

// Client pulls blocks from and pushes blocks to a transfer Server.
type Client struct {
	client  flight.Client
	addr    string
	mem     memory.Allocator
	timeout time.Duration
}

// Dial connects to the server at addr (host:port).
func Dial(addr string) (*Client, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("transfer: create Flight client for %s: %w", addr, err)
	}
	return &Client{client: client, addr: addr, mem: memory.DefaultAllocator, timeout: DefaultTimeout}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Sequences lists the offloaded sequences the server holds, with their
// block counts.
func (c *Client) Sequences(ctx context.Context) (map[int]int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stream, err := c.client.ListFlights(ctx, &flight.Criteria{})
	if err != nil {
		return nil, fmt.Errorf("transfer: list flights: %w", err)
	}
	out := map[int]int64{}
	for {
		info, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("transfer: list flights: %w", err)
		}
		seq, err := parsePath(info.GetFlightDescriptor().GetPath())
		if err != nil || seq < 0 {
			return nil, fmt.Errorf("transfer: server advertised %v", info.GetFlightDescriptor().GetPath())
		}
		out[seq] = info.GetTotalRecords()
	}
}

// Fetch copies the blocks of seq, or every block when seq is negative, from
// the server into store and returns how many were stored.
func (c *Client) Fetch(ctx context.Context, seq int, store *offload.Store) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	path := []string{pathAll}
	if seq >= 0 {
		path = SeqPath(seq)
	}
	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: ticketFor(path)})
	if err != nil {
		return 0, fmt.Errorf("transfer: fetch %v: %w", path, err)
	}
	rdr, err := flight.NewRecordReader(stream, ipc.WithSchema(offload.Schema), ipc.WithAllocator(c.mem))
	if err != nil {
		return 0, fmt.Errorf("transfer: fetch %v: %w", path, err)
	}
	defer rdr.Release()

	var total int
	for rdr.Next() {
		n, err := store.Ingest(rdr.Record())
		total += n
		if err != nil {
			return total, err
		}
	}
	if err := rdr.Err(); err != nil {
		return total, fmt.Errorf("transfer: fetch %v: %w", path, err)
	}
	log().Debug("Fetched blocks", "addr", c.addr, "path", path, "blocks", total)
	return total, nil
}

// Push sends the blocks of seq held by store to the server and returns how
// many the server stored.
func (c *Client) Push(ctx context.Context, seq int, store *offload.Store) (int, error) {
	var keys []offload.BlockKey
	for _, k := range store.Keys() {
		if k.Seq == seq {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("transfer: %w: no blocks for sequence %d", offload.ErrNotFound, seq)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return 0, fmt.Errorf("transfer: push: %w", err)
	}
	// A server that rejects the stream closes it early; its status is
	// reported by Recv, so io.EOF while sending falls through to it.
	if err := c.send(stream, seq, store, keys); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("transfer: push: %w", err)
	}

	stored := 0
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stored, fmt.Errorf("transfer: push: %w", err)
		}
		if n, err := strconv.Atoi(string(res.GetAppMetadata())); err == nil {
			stored += n
		}
	}
	log().Debug("Pushed blocks", "addr", c.addr, "seq", seq, "blocks", stored)
	return stored, nil
}

func (c *Client) send(stream flight.FlightService_DoPutClient, seq int, store *offload.Store, keys []offload.BlockKey) error {
	w := flight.NewRecordWriter(stream, ipc.WithSchema(offload.Schema), ipc.WithAllocator(c.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: SeqPath(seq)})
	for len(keys) > 0 {
		n := min(len(keys), batchRows)
		rec, err := store.Record(c.mem, keys[:n])
		if err != nil {
			w.Close()
			return err
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			w.Close()
			return err
		}
		keys = keys[n:]
	}
	if err := w.Close(); err != nil {
		return err
	}
	return stream.CloseSend()
}
