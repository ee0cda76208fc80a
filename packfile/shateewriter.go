package packfile

import "bytes"

// shaTeeWriter mirrors every byte written to it into an internal buffer so
// the accumulated content's hash can be computed once writing is done,
// without a second pass over the file.
type shaTeeWriter struct {
	w   interface{ Write([]byte) (int, error) }
	sum bytes.Buffer
}

func (c *shaTeeWriter) Write(p []byte) (int, error) {
	c.sum.Write(p)
	return c.w.Write(p)
}
