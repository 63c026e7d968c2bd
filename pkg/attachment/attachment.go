// Package attachment decides which downloadable links in a submission's
// detail view are the C++ source file.
package attachment

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	cppRe     = regexp.MustCompile(`(?i)\.cpp(\b|$)`)
	attnameRe = regexp.MustCompile(`(?:\?|&)attname=([^&]+)`)
)

// Candidate holds every string a download control exposes about the file it
// points to.
type Candidate struct {
	Download  string // download attribute
	Href      string
	Title     string
	AriaLabel string
	Text      string // visible text
}

// IsCPP reports whether any hint case-insensitively mentions a .cpp file.
func IsCPP(hints ...string) bool {
	for _, h := range hints {
		if h != "" && cppRe.MatchString(h) {
			return true
		}
	}
	return false
}

// FilenameFromHref extracts the attname query parameter some file hosts use
// to carry the original file name.
func FilenameFromHref(href string) string {
	if href == "" {
		return ""
	}
	m := attnameRe.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	if name, err := url.QueryUnescape(m[1]); err == nil {
		return name
	}
	return m[1]
}

// Hints returns the candidate's hints in the order they are checked.
func (c Candidate) Hints() []string {
	return []string{
		strings.TrimSpace(c.Download),
		strings.TrimSpace(FilenameFromHref(c.Href)),
		strings.TrimSpace(c.Title),
		strings.TrimSpace(c.AriaLabel),
		strings.TrimSpace(c.Text),
		strings.TrimSpace(c.Href),
	}
}

// IsCPP reports whether the candidate looks like a C++ source attachment.
func (c Candidate) IsCPP() bool {
	return IsCPP(c.Hints()...)
}

// NameHint is the best guess at the file name, used for logging and for the
// renamed-on-save check.
func (c Candidate) NameHint() string {
	for _, h := range []string{c.Download, FilenameFromHref(c.Href), c.Title, c.Text} {
		if h = strings.TrimSpace(h); h != "" {
			return h
		}
	}
	return ""
}

func (c Candidate) String() string {
	if n := c.NameHint(); n != "" {
		return n
	}
	if c.Href != "" {
		return c.Href
	}
	return "(cpp attachment)"
}

// Filter returns the indices of candidates that look like C++ sources,
// preserving discovery order.
func Filter(cands []Candidate) []int {
	var out []int
	for i, c := range cands {
		if c.IsCPP() {
			out = append(out, i)
		}
	}
	return out
}

// AcceptDownload decides whether a file saved from candidate c is usable.
// A saved .cpp name is accepted outright; otherwise the file is still taken
// when the candidate's own name said .cpp, since some hosts rename on save.
func AcceptDownload(savedName string, c Candidate) (ok, renamed bool) {
	if strings.EqualFold(path.Ext(savedName), ".cpp") {
		return true, false
	}
	if IsCPP(c.NameHint()) {
		return true, true
	}
	return false, false
}

// ParseCandidate builds a Candidate from the outer HTML of a download
// control.
func ParseCandidate(outerHTML string) (Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(outerHTML))
	if err != nil {
		return Candidate{}, fmt.Errorf("parse attachment html: %w", err)
	}
	sel := doc.Find("body").Children().First()
	if sel.Length() == 0 {
		return Candidate{}, fmt.Errorf("attachment html has no element")
	}

	c := Candidate{
		Download:  sel.AttrOr("download", ""),
		Href:      sel.AttrOr("href", ""),
		Title:     sel.AttrOr("title", ""),
		AriaLabel: sel.AttrOr("aria-label", ""),
		Text:      strings.Join(strings.Fields(sel.Text()), " "),
	}
	// Buttons often wrap the real link.
	if c.Href == "" {
		if a := sel.Find("a[href]").First(); a.Length() > 0 {
			c.Href = a.AttrOr("href", "")
			if c.Download == "" {
				c.Download = a.AttrOr("download", "")
			}
		}
	}
	return c, nil
}
