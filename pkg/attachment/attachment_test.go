package attachment

import (
	"reflect"
	"testing"
)

func TestIsCPP(t *testing.T) {
	tests := map[string]bool{
		"hw1.cpp":                  true,
		"Homework.CPP":             true,
		"download?attname=foo.cpp": true,
		"main.cpp?token=abc":       true,
		"hw1.docx":                 false,
		"readme.txt":               false,
		"hw1.cppx":                 false,
		"":                         false,
	}
	for hint, want := range tests {
		if got := IsCPP(hint); got != want {
			t.Fatalf("IsCPP(%q) = %v, want %v", hint, got, want)
		}
	}
}

func TestFilenameFromHref(t *testing.T) {
	tests := map[string]string{
		"https://files.example.com/download?attname=%E4%BD%9C%E4%B8%9A1.cpp&e=1": "作业1.cpp",
		"https://files.example.com/download?id=1&attname=a.cpp":                  "a.cpp",
		"https://files.example.com/download?id=1":                                "",
		"": "",
	}
	for href, want := range tests {
		if got := FilenameFromHref(href); got != want {
			t.Fatalf("FilenameFromHref(%q) = %q, want %q", href, got, want)
		}
	}
}

func TestCandidate(t *testing.T) {
	t.Run("hint from attname only", func(t *testing.T) {
		c := Candidate{Href: "https://x/download?attname=lab2.cpp", Text: "下载"}
		if !c.IsCPP() {
			t.Fatalf("expected cpp candidate")
		}
		if c.NameHint() != "lab2.cpp" {
			t.Fatalf("unexpected name hint %q", c.NameHint())
		}
	})

	t.Run("aria label only", func(t *testing.T) {
		c := Candidate{AriaLabel: "Download solution.CPP"}
		if !c.IsCPP() {
			t.Fatalf("expected cpp candidate")
		}
	})

	t.Run("not cpp", func(t *testing.T) {
		c := Candidate{Download: "report.pdf", Href: "https://x/download?attname=report.pdf"}
		if c.IsCPP() {
			t.Fatalf("pdf must not be classified as cpp")
		}
	})
}

func TestFilter_KeepsDiscoveryOrder(t *testing.T) {
	cands := []Candidate{
		{Download: "a.docx"},
		{Download: "b.cpp"},
		{Title: "c.txt"},
		{Text: "d.CPP"},
	}
	if got := Filter(cands); !reflect.DeepEqual(got, []int{1, 3}) {
		t.Fatalf("unexpected filter result %v", got)
	}
	if got := Filter(nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestAcceptDownload(t *testing.T) {
	tests := []struct {
		name        string
		saved       string
		cand        Candidate
		wantOK      bool
		wantRenamed bool
	}{
		{"saved as cpp", "hw1.cpp", Candidate{Download: "hw1.cpp"}, true, false},
		{"saved upper case", "HW1.CPP", Candidate{}, true, false},
		{"renamed on save", "download", Candidate{Download: "hw1.cpp"}, true, true},
		{"renamed with attname", "file.bin", Candidate{Href: "/download?attname=x.cpp"}, true, true},
		{"wrong file", "hw1.docx", Candidate{Text: "hw1.docx"}, false, false},
		{"only href says cpp", "blob", Candidate{AriaLabel: "x.cpp"}, false, false},
	}
	for _, tc := range tests {
		ok, renamed := AcceptDownload(tc.saved, tc.cand)
		if ok != tc.wantOK || renamed != tc.wantRenamed {
			t.Fatalf("%s: got (%v, %v), want (%v, %v)", tc.name, ok, renamed, tc.wantOK, tc.wantRenamed)
		}
	}
}

func TestParseCandidate(t *testing.T) {
	tests := []struct {
		name string
		html string
		want Candidate
	}{
		{
			name: "anchor",
			html: `<a href="https://f.example.com/download?attname=hw.cpp" download="hw.cpp" title="hw.cpp"> 下载 </a>`,
			want: Candidate{
				Download: "hw.cpp",
				Href:     "https://f.example.com/download?attname=hw.cpp",
				Title:    "hw.cpp",
				Text:     "下载",
			},
		},
		{
			name: "button wrapping a link",
			html: `<button aria-label="Download"><a href="/download?attname=a.cpp">a.cpp</a></button>`,
			want: Candidate{
				Href:      "/download?attname=a.cpp",
				AriaLabel: "Download",
				Text:      "a.cpp",
			},
		},
	}
	for _, tc := range tests {
		got, err := ParseCandidate(tc.html)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: got %#v, want %#v", tc.name, got, tc.want)
		}
	}

	if _, err := ParseCandidate(""); err == nil {
		t.Fatalf("expected an error for empty html")
	}
}
