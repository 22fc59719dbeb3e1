// Package encoding detects and decodes the text encoding of export files.
package encoding

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/saintfish/chardet"
	xencoding "golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

var (
	// ErrFileAccess is returned when the file cannot be opened or read.
	ErrFileAccess = errors.New("file access")

	// ErrEncodingUndetermined marks a detection that fell back to the default
	// encoding. It is informational and never fatal.
	ErrEncodingUndetermined = errors.New("encoding undetermined")
)

const (
	DefaultThreshold = 0.7
	DefaultEncoding  = "utf-8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Result is the outcome of a detection.
type Result struct {
	Name       string
	Confidence float64 // in [0,1]
	Fallback   bool    // true when Name is the configured default
}

// Err returns ErrEncodingUndetermined for fallback results, nil otherwise.
func (r Result) Err() error {
	if r.Fallback {
		return ErrEncodingUndetermined
	}
	return nil
}

// Detector runs statistical encoding detection over a file's bytes.
//
// Edge cases:
//   - A UTF-8 BOM short-circuits detection with confidence 1.
//   - Empty input falls back to the default.
//   - Confidence must be strictly greater than Threshold to be accepted.
type Detector struct {
	Threshold float64
	Default   string

	readFile func(string) ([]byte, error)
}

// NewDetector returns a Detector. Zero or negative threshold and empty
// default select the package defaults.
func NewDetector(threshold float64, def string) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if strings.TrimSpace(def) == "" {
		def = DefaultEncoding
	}
	return &Detector{Threshold: threshold, Default: def, readFile: os.ReadFile}
}

// Detect reads the whole file at path and detects its encoding.
func (d *Detector) Detect(path string) (Result, error) {
	read := d.readFile
	if read == nil {
		read = os.ReadFile
	}
	b, err := read(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrFileAccess, path, err)
	}
	return d.DetectBytes(b), nil
}

// DetectBytes is the pure form of Detect.
func (d *Detector) DetectBytes(b []byte) Result {
	def := d.Default
	if def == "" {
		def = DefaultEncoding
	}
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if bytes.HasPrefix(b, utf8BOM) {
		return Result{Name: "utf-8", Confidence: 1}
	}
	if len(b) == 0 {
		return Result{Name: def, Fallback: true}
	}

	best, err := chardet.NewTextDetector().DetectBest(b)
	if err != nil || best == nil {
		return Result{Name: def, Fallback: true}
	}

	conf := float64(best.Confidence) / 100
	if conf <= threshold {
		return Result{Name: def, Confidence: conf, Fallback: true}
	}
	return Result{Name: strings.ToLower(best.Charset), Confidence: conf}
}

// Lookup resolves an encoding name through the WHATWG index first and the IANA
// registry second. UTF-8 resolves to nil: callers read it as-is.
func Lookup(name string) (xencoding.Encoding, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "utf-8", "utf8", "ascii", "us-ascii":
		return nil, nil
	}
	if enc, err := htmlindex.Get(n); err == nil {
		if isUTF8(enc) {
			return nil, nil
		}
		return enc, nil
	}
	enc, err := ianaindex.IANA.Encoding(n)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return enc, nil
}

// NewDecodingReader wraps r so it yields UTF-8 text. Unknown names fall back
// to passing bytes through unchanged.
func NewDecodingReader(r io.Reader, name string) io.Reader {
	enc, err := Lookup(name)
	if err != nil || enc == nil {
		return r
	}
	return transform.NewReader(r, enc.NewDecoder())
}

func isUTF8(enc xencoding.Encoding) bool {
	n, err := htmlindex.Name(enc)
	return err == nil && n == "utf-8"
}
