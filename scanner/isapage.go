package scanner

import (
	"bytes"
	"strings"

	"scanproxy/message"
)

// Markers of the ISA server "download is being scanned" page.
const (
	titleMarker    = "<title>Downloading status</title>"
	sessionMarker  = "ISAServerUniqueID="
	progressPrefix = " UpdatePage("
	finishedPrefix = "DownloadFinished("
	sizeMarker     = "To be downloaded"
	completionSep  = `","`
)

// SampleSize is the amount of body read to recognise the page.
const SampleSize = 64 << 10

type lineKind int

const (
	otherLine lineKind = iota
	progressLine
	finishedLine
)

// findSessionToken returns the quoted value after the session marker when
// sample is a scanning page.
func findSessionToken(sample []byte) (string, bool) {
	if !bytes.Contains(sample, []byte(titleMarker)) {
		return "", false
	}
	pos := bytes.Index(sample, []byte(sessionMarker))
	if pos < 0 {
		return "", false
	}
	rest := sample[pos+len(sessionMarker):]
	open := bytes.IndexByte(rest, '"')
	if open < 0 {
		return "", false
	}
	rest = rest[open+1:]
	end := bytes.IndexByte(rest, '"')
	if end < 0 {
		return "", false
	}
	return string(rest[:end]), true
}

func classifyLine(line string) lineKind {
	switch {
	case strings.HasPrefix(line, progressPrefix):
		return progressLine
	case strings.HasPrefix(line, finishedPrefix):
		return finishedLine
	}
	return otherLine
}

// announcedSize returns the byte count following the size marker.
func announcedSize(line string) (int64, bool) {
	pos := strings.Index(line, sizeMarker)
	if pos < 0 {
		return 0, false
	}
	return message.ParseLeadingInt(line[pos+len(sizeMarker):]), true
}

func progressValue(line string) int64 {
	if len(line) < len(progressPrefix) {
		return 0
	}
	return message.ParseLeadingInt(line[len(progressPrefix):])
}

// completionFragment returns the quoted download URL of a completion line.
func completionFragment(line string) (string, bool) {
	pos := strings.Index(line, completionSep)
	if pos < 0 {
		return "", false
	}
	rest := line[pos+len(completionSep):]
	end := strings.IndexByte(rest, '"')
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}
