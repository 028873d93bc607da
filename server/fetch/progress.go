package fetch

import (
	"io"
	"sync/atomic"
	"time"
)

// progressReader counts the bytes that pass through it, and reports progress
// on a ticker until it is closed.
type progressReader struct {
	io.Reader
	total      int64
	current    atomic.Int64
	onProgress func(current, total int64)
	quit       chan struct{}
	done       chan struct{}
}

func newProgressReader(total int64, reader io.Reader, interval time.Duration, onProgress func(current, total int64)) *progressReader {
	p := &progressReader{
		Reader:     reader,
		total:      total,
		onProgress: onProgress,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if onProgress != nil {
		go p.run(interval)
	} else {
		close(p.done)
	}
	return p
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.Reader.Read(b)
	p.current.Add(int64(n))
	return n, err
}

// Close sends a final progress report, and stops the ticker
func (p *progressReader) Close() {
	close(p.quit)
	<-p.done
}

func (p *progressReader) run(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.onProgress(p.current.Load(), p.total)
		case <-p.quit:
			p.onProgress(p.current.Load(), p.total)
			return
		}
	}
}
