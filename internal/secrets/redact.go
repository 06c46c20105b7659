package secrets

import (
	"bytes"
	"io"
	"sort"
	"sync"
)

// Mask replaces secret values in redacted output.
const Mask = "***"

// Redactor is an io.Writer that masks secret values before forwarding
// output. It buffers up to the last newline so a value split across two
// writes is still masked; call Flush once the producer is done.
type Redactor struct {
	mu      sync.Mutex
	w       io.Writer
	secrets [][]byte
	buf     []byte
}

// NewRedactor wraps w. Longer secrets are replaced first so a secret that
// contains another is masked whole.
func NewRedactor(w io.Writer, values []string) *Redactor {
	sorted := append([]string(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	r := &Redactor{w: w}
	for _, v := range sorted {
		if v != "" {
			r.secrets = append(r.secrets, []byte(v))
		}
	}
	return r
}

func (r *Redactor) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, p...)
	idx := bytes.LastIndexByte(r.buf, '\n')
	if idx < 0 {
		return len(p), nil
	}
	if _, err := r.w.Write(r.redact(r.buf[:idx+1])); err != nil {
		return 0, err
	}
	r.buf = append(r.buf[:0], r.buf[idx+1:]...)
	return len(p), nil
}

// Flush writes any buffered partial line.
func (r *Redactor) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buf) == 0 {
		return nil
	}
	_, err := r.w.Write(r.redact(r.buf))
	r.buf = r.buf[:0]
	return err
}

func (r *Redactor) redact(p []byte) []byte {
	out := append([]byte(nil), p...)
	for _, s := range r.secrets {
		out = bytes.ReplaceAll(out, s, []byte(Mask))
	}
	return out
}
