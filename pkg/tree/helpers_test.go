package tree

import "github.com/snapdb/SnapDB-sub000/pkg/block"

func newTestDevice() *block.MemoryDevice {
	return block.NewMemoryDevice(512)
}
