package elfemit

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mappedFile is the result of provisioning: an open file descriptor and
// its backing mmap, ready for partitioning.
type mappedFile struct {
	file *os.File
	data []byte
}

// Output provisions and owns the on-disk output file. With
// parallelism > 1, SetSize hands the heavy syscalls (remove, open,
// ftruncate, mmap) to a background goroutine and returns immediately;
// Write blocks on a handoff channel so CPU-side layout work can
// proceed concurrently with disk allocation. With parallelism == 1 the
// same steps run inline inside Write, since there's no other work to
// overlap them with.
type Output struct {
	path        string
	parallelism int

	ready chan mappedFileResult
	size  uint64
}

type mappedFileResult struct {
	mapped mappedFile
	err    error
}

// NewOutput constructs a provisioner for path, to be driven with the
// given worker parallelism.
func NewOutput(path string, parallelism int) *Output {
	return &Output{path: path, parallelism: parallelism}
}

// SetSize must be called exactly once, before Write. It either kicks
// off background provisioning (parallelism > 1) or simply records the
// requested size for inline provisioning in Write.
func (o *Output) SetSize(bytes uint64) {
	o.size = bytes
	if o.parallelism <= 1 {
		return
	}
	o.ready = make(chan mappedFileResult, 1)
	go func() {
		m, err := provision(o.path, bytes)
		o.ready <- mappedFileResult{mapped: m, err: err}
	}()
}

// Write returns the mmap'd output buffer, awaiting background
// provisioning if SetSize started it, or provisioning inline otherwise.
func (o *Output) Write() (*MappedOutput, error) {
	if o.ready != nil {
		res := <-o.ready
		if res.err != nil {
			return nil, res.err
		}
		return &MappedOutput{path: o.path, file: res.mapped.file, data: res.mapped.data}, nil
	}
	m, err := provision(o.path, o.size)
	if err != nil {
		return nil, err
	}
	return &MappedOutput{path: o.path, file: m.file, data: m.data}, nil
}

// provision removes any preexisting file at path, creates it, truncates
// it to size, and maps it writable.
func provision(path string, size uint64) (mappedFile, error) {
	_ = os.Remove(path)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return mappedFile{}, fmt.Errorf("%w: %s: %v", ErrOpenFailed, path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return mappedFile{}, fmt.Errorf("%w: %s: %v", ErrTruncateFailed, path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return mappedFile{}, fmt.Errorf("%w: %s: %v", ErrMmapFailed, path, err)
	}

	return mappedFile{file: f, data: data}, nil
}

// MappedOutput is the live mmap handed to the orchestrator for
// partitioning and writing.
type MappedOutput struct {
	path string
	file *os.File
	data []byte
}

// Bytes returns the full mmap'd buffer.
func (m *MappedOutput) Bytes() []byte { return m.data }

// Finish marks the file executable and releases the mapping. It is the
// only path that makes the output reachable by name with its final
// permissions; callers must not call it after a failed emission.
func (m *MappedOutput) Finish() error {
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMmapFailed, m.path, err)
	}
	if err := unix.Fchmod(int(m.file.Fd()), 0o755); err != nil {
		m.release()
		return fmt.Errorf("%w: %s: %v", ErrChmodFailed, m.path, err)
	}
	return m.release()
}

// Abort releases the mapping without chmod'ing the file executable,
// leaving behind whatever partial bytes were written; the orchestrator
// is responsible for unlinking on error per the best-effort contract.
func (m *MappedOutput) Abort() error {
	return m.release()
}

func (m *MappedOutput) release() error {
	err := unix.Munmap(m.data)
	closeErr := m.file.Close()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMmapFailed, m.path, err)
	}
	return closeErr
}
