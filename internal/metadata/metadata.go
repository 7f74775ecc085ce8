// Package metadata reads "now playing" information from Shoutcast/Icecast
// sources and downloads station artwork.
package metadata

import (
	"regexp"
	"strings"
)

// Metadata is what a source says is currently playing. Either field may be
// empty.
type Metadata struct {
	Title      string
	ArtworkURL string
}

var (
	streamTitleRe = regexp.MustCompile(`StreamTitle='(.*?)';`)
	streamURLRe   = regexp.MustCompile(`StreamUrl='(.*?)';`)

	// A lone punctuation mark between spaces, e.g. "Artist ~ Track".
	separatorRe = regexp.MustCompile(`\s+[^\p{L}\p{N}_\s-]\s+`)
)

// Parse extracts the title and artwork URL from an ICY metadata block such as
// "StreamTitle='Artist - Track';StreamUrl='http://host/cover.jpg';".
func Parse(block string) Metadata {
	block = strings.TrimRight(block, "\x00")

	var md Metadata
	if m := streamTitleRe.FindStringSubmatch(block); m != nil {
		md.Title = strings.TrimSpace(m[1])
	}
	if m := streamURLRe.FindStringSubmatch(block); m != nil {
		md.ArtworkURL = strings.TrimSpace(m[1])
	}
	return md
}

// NormalizeTitle collapses stray separator punctuation into a single " - ".
func NormalizeTitle(title string) string {
	return strings.TrimSpace(separatorRe.ReplaceAllString(title, " - "))
}
