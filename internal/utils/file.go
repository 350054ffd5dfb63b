package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// HashReader returns the hex SHA-256 of everything read from r and the byte count.
func HashReader(r io.Reader) (string, int64, error) {
	hash := sha256.New()
	n, err := io.Copy(hash, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}

// ProgressWriter counts written bytes and reports the running total.
type ProgressWriter struct {
	W          io.Writer
	OnProgress func(written int64)
	written    int64
}

func (p *ProgressWriter) Write(b []byte) (int, error) {
	n, err := p.W.Write(b)
	p.written += int64(n)
	if p.OnProgress != nil && n > 0 {
		p.OnProgress(p.written)
	}
	return n, err
}

func (p *ProgressWriter) Written() int64 {
	return p.written
}

// CopyAndHash copies src to dst while hashing the content.
func CopyAndHash(dst io.Writer, src io.Reader, onProgress func(int64)) (string, int64, error) {
	hash := sha256.New()
	pw := &ProgressWriter{W: io.MultiWriter(dst, hash), OnProgress: onProgress}
	n, err := io.Copy(pw, src)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}
