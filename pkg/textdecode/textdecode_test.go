package textdecode

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

const helloSource = `#include <iostream>
using namespace std;

// 计算两个整数的和并输出结果
int main() {
    int a = 3, b = 4;
    cout << "和为: " << a + b << endl;
    return 0;
}
`

func mustEncode(t *testing.T, enc encoding.Encoding, s string) []byte {
	t.Helper()
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return out
}

func TestResolve_PicksEncoding(t *testing.T) {
	asciiSource := "#include <cstdio>\nint main() {\n    printf(\"hello\\n\");\n    return 0;\n}\n"

	tests := []struct {
		name     string
		data     []byte
		wantEnc  string
		wantText string
	}{
		{
			name:     "plain ascii keeps the first candidate",
			data:     []byte(asciiSource),
			wantEnc:  "utf-8-sig",
			wantText: asciiSource,
		},
		{
			name:     "utf-8 with bom strips the bom",
			data:     append([]byte("\xEF\xBB\xBF"), helloSource...),
			wantEnc:  "utf-8-sig",
			wantText: helloSource,
		},
		{
			name:     "utf-8 chinese comments",
			data:     []byte(helloSource),
			wantEnc:  "utf-8-sig",
			wantText: helloSource,
		},
		{
			name:     "gbk encoded chinese comments",
			data:     mustEncode(t, simplifiedchinese.GBK, helloSource),
			wantEnc:  "gb18030",
			wantText: helloSource,
		},
		{
			name:     "utf-16 little endian with bom",
			data:     mustEncode(t, unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), helloSource),
			wantEnc:  "utf-16",
			wantText: helloSource,
		},
		{
			name:     "utf-16 big endian without bom",
			data:     mustEncode(t, unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), helloSource),
			wantEnc:  "utf-16be",
			wantText: helloSource,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			res, err := Resolve(tc.data)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if res.Encoding != tc.wantEnc {
				t.Fatalf("expected encoding %s, got %s (score %s)", tc.wantEnc, res.Encoding, res.Score)
			}
			if diff := cmp.Diff(tc.wantText, res.Text); diff != "" {
				t.Fatalf("decoded text mismatch (-want +got):\n%s", diff)
			}
			if res.Suspicious {
				t.Fatalf("clean input flagged as suspicious")
			}
		})
	}
}

func TestResolve_Big5DecodesWithoutReplacements(t *testing.T) {
	src := "#include <iostream>\n// 繁體中文註解\nint main() { return 0; }\n"
	res, err := Resolve(mustEncode(t, traditionalchinese.Big5, src))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Score.Replacements != 0 {
		t.Fatalf("expected a clean decoding, got %s via %s", res.Score, res.Encoding)
	}
	if !strings.Contains(res.Text, "#include <iostream>") {
		t.Fatalf("source tokens lost: %q", res.Text)
	}
}

func TestResolve_RejectsBinaryContainers(t *testing.T) {
	tests := map[string][]byte{
		"zip":  append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0x14, 0x00}, 64)...),
		"docx": append([]byte("PK\x03\x04\x14\x00\x06\x00"), []byte("[Content_Types].xml")...),
		"pdf":  []byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\n"),
	}
	for name, data := range tests {
		res, err := Resolve(data)
		if !errors.Is(err, ErrBinaryContainer) {
			t.Fatalf("%s: expected ErrBinaryContainer, got %v", name, err)
		}
		if res.Text != "" {
			t.Fatalf("%s: rejected input must not produce text, got %q", name, res.Text)
		}
	}
}

func TestResolve_Deterministic(t *testing.T) {
	inputs := [][]byte{
		[]byte(helloSource),
		mustEncode(t, simplifiedchinese.GB18030, helloSource),
		{0xff, 0xfe, 0xfd, 0x00, 0x81, 0x30, 0x0a},
		nil,
	}
	for _, data := range inputs {
		first, err := Resolve(data)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		for i := 0; i < 5; i++ {
			again, err := Resolve(data)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if diff := cmp.Diff(first, again); diff != "" {
				t.Fatalf("non-deterministic result (-first +again):\n%s", diff)
			}
		}
	}
}

func TestResolve_TruncatesAtCap(t *testing.T) {
	r := NewResolver(nil)
	r.MaxBytes = 16
	res, err := r.Resolve([]byte(strings.Repeat("int x = 1;\n", 10)))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Truncated {
		t.Fatalf("expected Truncated to be set")
	}
	if len(res.Text) != 16 {
		t.Fatalf("expected 16 bytes of text, got %d", len(res.Text))
	}
}

func TestResolve_FlagsHeavyReplacement(t *testing.T) {
	// 0xDC pairs are lone surrogates in both UTF-16 byte orders and 0xFF is
	// invalid in every multi-byte candidate, so nothing decodes cleanly.
	data := append(bytes.Repeat([]byte{0xdc}, 200), bytes.Repeat([]byte{0xff}, 200)...)
	res, err := Resolve(data)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Suspicious {
		t.Fatalf("expected Suspicious for %s with score %s", res.Encoding, res.Score)
	}
}

func TestResolve_FallbackWhenEveryCandidateIsRejected(t *testing.T) {
	// Long runs of NUL pairs: every candidate keeps too many NULs.
	data := bytes.Repeat([]byte{0x00}, 400)
	res, err := Resolve(data)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Encoding != FallbackEncoding {
		t.Fatalf("expected fallback, got %s", res.Encoding)
	}
}

func TestScoreLess(t *testing.T) {
	a := Score{Replacements: 0, Controls: 3, Penalty: 0, TokenBonus: -9}
	b := Score{Replacements: 1, Controls: 0, Penalty: 0, TokenBonus: -9}
	if !a.Less(b) || b.Less(a) {
		t.Fatalf("replacements must dominate")
	}
	c := Score{TokenBonus: -5}
	d := Score{TokenBonus: -2}
	if !c.Less(d) {
		t.Fatalf("more token hits must rank first")
	}
	if c.Less(c) {
		t.Fatalf("Less must be strict")
	}
}
