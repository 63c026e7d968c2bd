// Package textdecode picks the character encoding that best decodes a source
// file of unknown origin.
//
// Every candidate decoder runs with substitution, so it never fails on bad
// input; the candidates are instead ranked by how many decoding artifacts they
// leave behind and how much C++ token evidence survives.
package textdecode

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/wailsapp/mimetype"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

const (
	// DefaultMaxBytes caps how much of a file is decoded.
	DefaultMaxBytes = 2_000_000

	// FallbackEncoding names the forced UTF-8 result used when every
	// candidate was rejected.
	FallbackEncoding = "utf-8 (fallback)"

	replacementChar = '�'
)

// ErrBinaryContainer is returned for ZIP-based documents and PDFs that were
// uploaded in place of a source file.
var ErrBinaryContainer = errors.New("binary container, not source text")

// Score is the quality tuple of a decoded candidate. Smaller is better,
// compared field by field.
type Score struct {
	Replacements int
	Controls     int
	Penalty      int
	TokenBonus   int // negated token hit count
}

// Less reports whether s ranks strictly before o.
func (s Score) Less(o Score) bool {
	if s.Replacements != o.Replacements {
		return s.Replacements < o.Replacements
	}
	if s.Controls != o.Controls {
		return s.Controls < o.Controls
	}
	if s.Penalty != o.Penalty {
		return s.Penalty < o.Penalty
	}
	return s.TokenBonus < o.TokenBonus
}

func (s Score) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", s.Replacements, s.Controls, s.Penalty, s.TokenBonus)
}

// Result is the chosen decoding.
type Result struct {
	Text     string
	Encoding string
	Score    Score

	// Truncated is set when the input exceeded the byte cap.
	Truncated bool
	// Suspicious is set when the chosen text still carries many
	// replacement characters. It is a warning, not a failure.
	Suspicious bool
}

// Logger is the subset of logrus used here.
type Logger interface {
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}

type candidate struct {
	name string
	enc  encoding.Encoding
}

// candidates are tried in this order; on equal scores the earlier one wins.
var candidates = []candidate{
	{"utf-8-sig", unicode.UTF8BOM},
	{"utf-8", unicode.UTF8},
	{"gb18030", simplifiedchinese.GB18030},
	{"gbk", simplifiedchinese.GBK},
	{"utf-16", unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)},
	{"utf-16le", unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)},
	{"utf-16be", unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)},
	{"big5", traditionalchinese.Big5},
}

var sourceTokens = []string{"#include", "int", "main", "std::", "using", "return", ";", "{", "}"}

// Resolver decodes raw bytes into source text.
type Resolver struct {
	MaxBytes int
	Log      Logger
}

// NewResolver returns a Resolver with the default byte cap.
func NewResolver(log Logger) *Resolver {
	if log == nil {
		log = nopLogger{}
	}
	return &Resolver{MaxBytes: DefaultMaxBytes, Log: log}
}

// Resolve picks the best decoding of data. It fails only for recognized
// binary containers.
func (r *Resolver) Resolve(data []byte) (Result, error) {
	log := r.Log
	if log == nil {
		log = nopLogger{}
	}
	limit := r.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}

	var res Result
	if len(data) > limit {
		log.Warnf("[decode] input is %d bytes, truncated to the first %d", len(data), limit)
		data = data[:limit]
		res.Truncated = true
	}

	if kind, ok := binaryContainer(data); ok {
		return Result{}, fmt.Errorf("%s: %w", kind, ErrBinaryContainer)
	}

	found := false
	for _, c := range candidates {
		text, err := decode(c.enc, data)
		if err != nil {
			log.Debugf("[decode] %s failed: %v", c.name, err)
			continue
		}
		runes := utf8.RuneCountInString(text)
		if nul := strings.Count(text, "\x00"); nul > max(50, runes/10) {
			log.Debugf("[decode] %s rejected: %d NUL characters", c.name, nul)
			continue
		}
		sc := score(text)
		log.Debugf("[decode] %s score=%s", c.name, sc)
		if !found || sc.Less(res.Score) {
			res.Text, res.Encoding, res.Score = text, c.name, sc
			found = true
		}
	}

	if !found {
		res.Text = strings.ToValidUTF8(string(data), string(replacementChar))
		res.Encoding = FallbackEncoding
		res.Score = score(res.Text)
	}

	runes := utf8.RuneCountInString(res.Text)
	if repl := strings.Count(res.Text, string(replacementChar)); repl > max(10, runes/50) {
		res.Suspicious = true
		log.Warnf("[decode] text decoded as %s still has %d replacement characters, the file may use an unexpected encoding", res.Encoding, repl)
	}
	return res, nil
}

// Resolve decodes data with a default Resolver.
func Resolve(data []byte) (Result, error) {
	return NewResolver(nil).Resolve(data)
}

func decode(enc encoding.Encoding, data []byte) (string, error) {
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func score(text string) Score {
	if text == "" {
		return Score{Replacements: 1e9, Controls: 1e9, Penalty: 1e9}
	}

	var length, repl, nul, ctrl int
	for _, c := range text {
		length++
		switch {
		case c == replacementChar:
			repl++
		case c == 0:
			nul++
			ctrl++
		case c < 32 && c != '\n' && c != '\r' && c != '\t':
			ctrl++
		}
	}

	hits := 0
	for _, t := range sourceTokens {
		if strings.Contains(text, t) {
			hits++
		}
	}

	replRatio := float64(repl) / float64(length)
	nulRatio := float64(nul) / float64(length)
	penalty := 0
	if replRatio > 0.02 {
		penalty += int(replRatio * 10_000)
	}
	if nulRatio > 0.001 {
		penalty += int(nulRatio * 10_000)
	}
	return Score{Replacements: repl, Controls: ctrl, Penalty: penalty, TokenBonus: -hits}
}

var (
	zipMagic = []byte("PK\x03\x04")
	pdfMagic = []byte("%PDF")
)

// binaryContainer recognizes the two document formats students upload by
// mistake. Content sniffing catches the ZIP variants the local-header prefix
// misses.
func binaryContainer(data []byte) (string, bool) {
	if bytes.HasPrefix(data, zipMagic) {
		return "zip archive or office document", true
	}
	if bytes.HasPrefix(data, pdfMagic) {
		return "pdf document", true
	}
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		switch {
		case m.Is("application/zip"):
			return "zip archive (" + detected.String() + ")", true
		case m.Is("application/pdf"):
			return "pdf document", true
		}
	}
	return "", false
}
