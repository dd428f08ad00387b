package client

import (
	"bytes"
	"fmt"

	"github.com/marmos91/unifyfs/internal/wire"
	"github.com/marmos91/unifyfs/pkg/rpc"
)

// An fmap extent only records which rank holds a logical range (§3); the
// bytes themselves live in that rank's own write-index log, resolved the
// same way that rank would resolve one of its own local reads
// (writer.ReadLocal). readRemote and its server-side counterpart,
// registered under OpRead, are this package's addition to carry that one
// remaining cross-rank data path — every other opcode either stays local
// (the write path always appends to the writer's own log) or is
// metadata-only (routed through router).

func encodeReadRequest(name string, offset, length uint64) []byte {
	var buf bytes.Buffer
	wire.WriteString(&buf, name)
	wire.WriteUint64(&buf, offset)
	wire.WriteUint64(&buf, length)
	return buf.Bytes()
}

func decodeReadRequest(req []byte) (name string, offset, length uint64, err error) {
	r := bytes.NewReader(req)
	if name, err = wire.DecodeString(r); err != nil {
		return "", 0, 0, err
	}
	if offset, err = wire.DecodeUint64(r); err != nil {
		return "", 0, 0, err
	}
	if length, err = wire.DecodeUint64(r); err != nil {
		return "", 0, 0, err
	}
	return name, offset, length, nil
}

// readHandlers builds the OpRead handler for this rank's own write-index
// log: any peer whose fmap extent names this rank asks here for the
// bytes, resolved the same way a local ReadAt would resolve them
// (writer.ReadLocal, keyed by gfid rather than name since that's what the
// index entries carry).
func (c *Client) readHandlers() rpc.HandlerTable {
	return rpc.HandlerTable{
		wire.OpRead: func(req []byte) ([]byte, error) {
			name, offset, length, err := decodeReadRequest(req)
			if err != nil {
				return nil, err
			}
			return c.writer.ReadLocal(gfidOf(name), offset, length)
		},
	}
}

// readRemote pulls [offset, offset+length) of name from the rank that
// owns it, staging each reply through this rank's recv-shm region
// (client.recv_data_size, §6) one region-sized chunk at a time rather
// than growing an unbounded Go buffer for a large pull.
func (c *Client) readRemote(rank uint32, name string, offset, length uint64) ([]byte, error) {
	peer := c.peerClients[rank]
	if peer == nil {
		return nil, fmt.Errorf("client: no connection to rank %d", rank)
	}

	staging := c.recv.Bytes()
	if len(staging) == 0 {
		return peer.Call(wire.OpRead, encodeReadRequest(name, offset, length))
	}

	out := make([]byte, 0, length)
	for uint64(len(out)) < length {
		remaining := length - uint64(len(out))
		want := remaining
		if uint64(len(staging)) < want {
			want = uint64(len(staging))
		}

		resp, err := peer.Call(wire.OpRead, encodeReadRequest(name, offset+uint64(len(out)), want))
		if err != nil {
			return out, err
		}
		if len(resp) == 0 {
			break
		}
		n := copy(staging, resp)
		out = append(out, staging[:n]...)
		if uint64(n) < want {
			break // short read from the owning rank
		}
	}
	return out, nil
}
