package scanner

// flushBuffer keeps every byte read from the parent until it is either
// forwarded or replaced by the refetched download.
type flushBuffer struct {
	data []byte
}

func newFlushBuffer() *flushBuffer {
	return &flushBuffer{data: make([]byte, 0, SampleSize)}
}

// grow doubles the capacity until n more bytes fit below it.
func (b *flushBuffer) grow(n int) {
	size := cap(b.data)
	if size == 0 {
		size = SampleSize
	}
	for len(b.data)+n >= size {
		size *= 2
	}
	if size == cap(b.data) {
		return
	}
	data := make([]byte, len(b.data), size)
	copy(data, b.data)
	b.data = data
}

func (b *flushBuffer) Append(p []byte) {
	b.grow(len(p))
	b.data = append(b.data, p...)
}

// readFrom fills the free space up to limit with a single read.
func (b *flushBuffer) readFrom(read func([]byte) (int, error), limit int) (int, error) {
	if limit > cap(b.data) {
		b.grow(limit - len(b.data))
	}
	n, err := read(b.data[len(b.data):limit])
	if n > 0 {
		b.data = b.data[:len(b.data)+n]
	}
	return n, err
}

func (b *flushBuffer) Bytes() []byte {
	return b.data
}

func (b *flushBuffer) Len() int {
	return len(b.data)
}

func (b *flushBuffer) Cap() int {
	return cap(b.data)
}

func (b *flushBuffer) Reset() {
	b.data = b.data[:0]
}
