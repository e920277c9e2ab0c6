// Package parser reads upstream M3U channel lists.
package parser

import (
	"bufio"
	"errors"
	"strings"

	"iptv-proxy/work/logger"
	"iptv-proxy/work/utils"

	"github.com/grafana/regexp"
)

// ErrNotM3U is returned for documents without an #EXTM3U header.
var ErrNotM3U = errors.New("parser: missing #EXTM3U header")

var attrPattern = regexp.MustCompile(`([A-Za-z0-9_-]+)="([^"]*)"`)

// Entry is one channel of an M3U playlist.
type Entry struct {
	Name       string            // display name after the EXTINF comma
	URL        string            // stream or playlist URL
	Duration   string            // EXTINF duration field, usually -1
	Groups     []string          // group-title values followed by #EXTGRP values
	Attributes map[string]string // tvg-id, tvg-name, tvg-logo, catchup-days, ...
}

// Playlist is a parsed M3U document.
type Playlist struct {
	Attributes map[string]string // attributes of the #EXTM3U header line
	Entries    []Entry
}

// Parse reads an M3U document. Lines it does not understand are skipped.
func Parse(content string) (*Playlist, error) {
	content = strings.TrimPrefix(content, "\uFEFF")
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	pl := &Playlist{Attributes: map[string]string{}}
	var current *Entry
	seenHeader := false
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !seenHeader {
			if !strings.HasPrefix(line, "#EXTM3U") {
				return nil, ErrNotM3U
			}
			seenHeader = true
			pl.Attributes = ParseAttributes(strings.TrimPrefix(line, "#EXTM3U"))
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			e := ParseEXTINF(line)
			current = &e
		case strings.HasPrefix(line, "#EXTGRP:"):
			if current != nil {
				if g := strings.TrimSpace(strings.TrimPrefix(line, "#EXTGRP:")); g != "" {
					current.Groups = append(current.Groups, g)
				}
			}
		case strings.HasPrefix(line, "#"):
			// other directives are not needed
		default:
			if current == nil {
				logger.Debug("{parser/m3u - Parse} line %d: url without #EXTINF skipped: %s", lineNum, utils.LogURL(line))
				continue
			}
			current.URL = line
			if current.Name == "" {
				current.Name = current.Attributes["tvg-name"]
			}
			if current.Name == "" {
				logger.Debug("{parser/m3u - Parse} line %d: entry without a name skipped", lineNum)
			} else {
				pl.Entries = append(pl.Entries, *current)
			}
			current = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !seenHeader {
		return nil, ErrNotM3U
	}
	return pl, nil
}

// ParseEXTINF splits an #EXTINF line into duration, attributes and name.
// The name follows the first comma outside of quotes.
func ParseEXTINF(line string) Entry {
	line = strings.TrimPrefix(line, "#EXTINF:")

	split := -1
	inQuotes := false
	for i := 0; i < len(line); i++ {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			split = i
			break
		}
	}

	attrPart := line
	name := ""
	if split >= 0 {
		attrPart = line[:split]
		name = strings.TrimSpace(line[split+1:])
	}

	e := Entry{Name: name, Attributes: ParseAttributes(attrPart)}
	if fields := strings.Fields(attrPart); len(fields) > 0 && !strings.Contains(fields[0], "=") {
		e.Duration = fields[0]
	}
	if g := e.Attributes["group-title"]; g != "" {
		for _, part := range strings.Split(g, ";") {
			if part = strings.TrimSpace(part); part != "" {
				e.Groups = append(e.Groups, part)
			}
		}
	}
	return e
}

// ParseAttributes extracts key="value" pairs.
func ParseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(s, -1) {
		attrs[m[1]] = m[2]
	}
	return attrs
}
