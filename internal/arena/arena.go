// Package arena is a free list of fixed-size byte slices, adapted from the
// teacher's arena package to back internal/mux's UDP receive loop instead of
// the DHT's own loop() directly.
//
// After the arena is created, a slice of bytes can be requested by calling
// Pop(). The caller is responsible for calling Push(), which puts the block
// back in the queue for later use. The bytes given by Pop() are not zeroed,
// so callers must only read positions known to have been overwritten.
package arena

// Arena is a channel-backed free list of fixed-capacity byte slices.
type Arena chan []byte

// New creates an Arena holding numBlocks slices of blockSize bytes each.
func New(blockSize, numBlocks int) Arena {
	blocks := make(Arena, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks <- make([]byte, blockSize)
	}
	return blocks
}

// Pop removes and returns a block from the arena, blocking until one is
// available.
func (a Arena) Pop() []byte {
	return <-a
}

// Push returns a block to the arena, restoring it to its full capacity.
func (a Arena) Push(b []byte) {
	a <- b[:cap(b)]
}
