package hsw

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/amuzetnoM/hektor/internal/config"
	"github.com/amuzetnoM/hektor/internal/herr"
)

const (
	snapshotMagic   = "HSW1"
	snapshotVersion = uint32(1)
)

// Save writes the full graph state to w: magic, version, the JSON-encoded
// config (length-prefixed), node count, then each node's id, level,
// per-layer neighbor lists, vector payload, and tombstone flag, all in
// little-endian byte order.
func (idx *Index) Save(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return herr.Wrap(herr.Io, err, "writing magic")
	}
	if err := binary.Write(bw, binary.LittleEndian, snapshotVersion); err != nil {
		return herr.Wrap(herr.Io, err, "writing version")
	}

	cfgBytes, err := json.Marshal(idx.cfg)
	if err != nil {
		return herr.Wrap(herr.Io, err, "encoding config")
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(cfgBytes))); err != nil {
		return herr.Wrap(herr.Io, err, "writing config length")
	}
	if _, err := bw.Write(cfgBytes); err != nil {
		return herr.Wrap(herr.Io, err, "writing config")
	}

	if err := binary.Write(bw, binary.LittleEndian, uint64(len(idx.nodes))); err != nil {
		return herr.Wrap(herr.Io, err, "writing node count")
	}

	for _, n := range idx.nodes {
		if err := binary.Write(bw, binary.LittleEndian, n.ExternalID); err != nil {
			return herr.Wrap(herr.Io, err, "writing node id")
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(n.Level)); err != nil {
			return herr.Wrap(herr.Io, err, "writing node level")
		}
		for layer := 0; layer <= n.Level; layer++ {
			neighbors := n.Connections[layer]
			if err := binary.Write(bw, binary.LittleEndian, uint32(len(neighbors))); err != nil {
				return herr.Wrap(herr.Io, err, "writing neighbor count")
			}
			for _, nb := range neighbors {
				if err := binary.Write(bw, binary.LittleEndian, nb); err != nil {
					return herr.Wrap(herr.Io, err, "writing neighbor id")
				}
			}
		}
		for _, f := range n.Vector {
			if err := binary.Write(bw, binary.LittleEndian, f); err != nil {
				return herr.Wrap(herr.Io, err, "writing vector payload")
			}
		}
		var tomb uint8
		if n.Deleted.Load() {
			tomb = 1
		}
		if err := binary.Write(bw, binary.LittleEndian, tomb); err != nil {
			return herr.Wrap(herr.Io, err, "writing tombstone flag")
		}
	}

	if err := bw.Flush(); err != nil {
		return herr.Wrap(herr.Io, err, "flushing snapshot")
	}
	return nil
}

// Load reconstructs an Index from a reader produced by Save. It fails
// with InvalidFormat on a magic or version mismatch or on truncated
// data.
func Load(r io.Reader) (*Index, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "reading magic")
	}
	if string(magic) != snapshotMagic {
		return nil, herr.Newf(herr.InvalidFormat, "bad magic %q", magic)
	}

	var version uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "reading version")
	}
	if version != snapshotVersion {
		return nil, herr.Newf(herr.InvalidFormat, "unsupported snapshot version %d", version)
	}

	var cfgLen uint32
	if err := binary.Read(br, binary.LittleEndian, &cfgLen); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "reading config length")
	}
	cfgBytes := make([]byte, cfgLen)
	if _, err := io.ReadFull(br, cfgBytes); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "reading config")
	}
	var cfg config.HSWConfig
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "decoding config")
	}

	idx, err := New(cfg)
	if err != nil {
		return nil, err
	}

	var nodeCount uint64
	if err := binary.Read(br, binary.LittleEndian, &nodeCount); err != nil {
		return nil, herr.Wrap(herr.InvalidFormat, err, "reading node count")
	}

	idx.nodes = make([]*node, 0, nodeCount)
	for i := uint64(0); i < nodeCount; i++ {
		var extID uint64
		if err := binary.Read(br, binary.LittleEndian, &extID); err != nil {
			return nil, herr.Wrap(herr.InvalidFormat, err, "reading node id")
		}
		var level32 uint32
		if err := binary.Read(br, binary.LittleEndian, &level32); err != nil {
			return nil, herr.Wrap(herr.InvalidFormat, err, "reading node level")
		}
		level := int(level32)

		n := newNode(extID, uint32(i), make([]float32, cfg.Dimension), level)

		for layer := 0; layer <= level; layer++ {
			var count uint32
			if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
				return nil, herr.Wrap(herr.InvalidFormat, err, "reading neighbor count")
			}
			neighbors := make([]uint32, count)
			for j := range neighbors {
				if err := binary.Read(br, binary.LittleEndian, &neighbors[j]); err != nil {
					return nil, herr.Wrap(herr.InvalidFormat, err, "reading neighbor id")
				}
			}
			n.Connections[layer] = neighbors
		}

		for j := 0; j < cfg.Dimension; j++ {
			if err := binary.Read(br, binary.LittleEndian, &n.Vector[j]); err != nil {
				return nil, herr.Wrap(herr.InvalidFormat, err, "reading vector payload")
			}
		}

		var tomb uint8
		if err := binary.Read(br, binary.LittleEndian, &tomb); err != nil {
			return nil, herr.Wrap(herr.InvalidFormat, err, "reading tombstone flag")
		}
		if tomb == 1 {
			n.Deleted.Store(true)
		} else {
			idx.liveCount.Add(1)
		}

		idx.nodes = append(idx.nodes, n)
		idx.extToInt[extID] = uint32(i)
	}

	// Entry point is the node with the highest level; ties broken by
	// lowest internal id for determinism, matching the rest of the
	// index's tie-break rule.
	maxLevel := -1
	var entry uint32
	for _, n := range idx.nodes {
		if n.Level > maxLevel {
			maxLevel = n.Level
			entry = n.InternalID
		}
	}
	if len(idx.nodes) > 0 {
		idx.hasEntry = true
		idx.entryPoint = entry
		idx.maxLevel = maxLevel
	}

	return idx, nil
}
