package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dustin/go-humanize"

	"github.com/snapdb/SnapDB-sub000/pkg/block"
	"github.com/snapdb/SnapDB-sub000/pkg/tree"
	"github.com/snapdb/SnapDB-sub000/pkg/tree/encoding"
)

// IntermediateFile describes one rolled-over, not-yet-combined tree on
// disk (§4.10 "stage-combine task").
type IntermediateFile struct {
	Dev       block.Device
	FileID    int32
	Root      block.Address
	SizeBytes int64
	MatchFlag string // archive-identity grouping key; only files sharing it combine together
}

// ShouldCombine reports whether the set of candidate files sharing a
// match flag has crossed either the file-count or size threshold
// (§4.10 "combine_on_file_count/size thresholds").
//
// The size check uses a float64 ratio of accumulated bytes to the
// configured threshold rather than an integer comparison, fixing the
// truncating-integer-division bug the original combine heuristic had
// (§9 Open Question: "the archive-size ratio was computed with integer
// division, so a file just under the MB threshold was silently never
// combined").
func (c CombineConfig) ShouldCombine(candidates []IntermediateFile) bool {
	if len(candidates) >= c.CombineOnFileCount {
		return true
	}
	var total int64
	for _, f := range candidates {
		total += f.SizeBytes
	}
	thresholdBytes := c.CombineOnSizeMB * 1024 * 1024
	if thresholdBytes == 0 {
		return false
	}
	ratio := float64(total) / float64(thresholdBytes)
	return ratio >= 1.0
}

// GroupByMatchFlag partitions candidates by MatchFlag, since only
// files sharing an identity may be merged (§4.10).
func GroupByMatchFlag(candidates []IntermediateFile) map[string][]IntermediateFile {
	groups := make(map[string][]IntermediateFile)
	for _, f := range candidates {
		groups[f.MatchFlag] = append(groups[f.MatchFlag], f)
	}
	return groups
}

// CombineFiles merges every candidate sharing one match flag into a
// single tree on dst, reading each source's leaves in parallel via
// errgroup and performing the final ordered merge on the collected
// records (§4.10 "stage-combine task"). Logs the resulting size using
// the same humanize.Bytes formatting the teacher's corpus uses for
// blob-size reporting.
func CombineFiles(ctx context.Context, candidates []IntermediateFile, dst block.Device, dstFileID int32, keySize int, logf func(string, ...interface{})) (root block.Address, level byte, err error) {
	collected := make([][]Point, len(candidates))
	g, _ := errgroup.WithContext(ctx)
	for i, f := range candidates {
		i, f := i, f
		g.Go(func() error {
			pts, err := readLeaves(f.Dev, f.Root, keySize)
			if err != nil {
				return err
			}
			collected[i] = pts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	merged := mergeTables(collected)
	bw := tree.NewBulkWriter(dst, dstFileID, encoding.Fixed{KeySize: keySize, ValueSize: keySize}, keySize)
	for _, p := range merged {
		if err := bw.Append(p.Key, p.Value); err != nil {
			return 0, 0, err
		}
	}
	root, level, err = bw.Finish()
	if err != nil {
		return 0, 0, err
	}
	if logf != nil {
		var approxBytes uint64
		for _, p := range merged {
			approxBytes += uint64(len(p.Key) + len(p.Value))
		}
		logf("combined %d intermediate files into one tree (%s, %d records)",
			len(candidates), humanize.Bytes(approxBytes), len(merged))
	}
	return root, level, nil
}

// readLeaves walks every leaf of the tree rooted at root in sibling
// order and returns its records, used by CombineFiles to gather the
// inputs to its final merge.
func readLeaves(dev block.Device, root block.Address, keySize int) ([]Point, error) {
	if root == block.NullAddress {
		return nil, nil
	}
	enc := encoding.Fixed{KeySize: keySize, ValueSize: keySize}
	addr := leftmostLeaf(dev, root, enc)
	var out []Point
	for addr != block.NullAddress && addr != block.NullSibling {
		v, err := dev.ReadBlock(addr, block.TypeData, 0, 0)
		if err != nil {
			return nil, err
		}
		n := tree.LoadFixedNode(v.Payload(), enc, tree.ByteCompare)
		for i := 0; i < n.Count(); i++ {
			k, val := n.RecordAt(i)
			out = append(out, Point{Key: append([]byte(nil), k...), Value: append([]byte(nil), val...)})
		}
		addr = n.Header().Right
	}
	return out, nil
}

func leftmostLeaf(dev block.Device, root block.Address, enc encoding.Fixed) block.Address {
	addr := root
	for {
		v, err := dev.ReadBlock(addr, block.TypeData, 0, 0)
		if err != nil {
			return block.NullAddress
		}
		n := tree.LoadFixedNode(v.Payload(), enc, tree.ByteCompare)
		if n.IsLeaf() {
			return addr
		}
		_, val, ok := n.GetFirst()
		if !ok {
			return block.NullAddress
		}
		addr = block.Address(decodeAddr4(val))
	}
}

func decodeAddr4(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
