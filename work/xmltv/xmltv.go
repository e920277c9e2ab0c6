// Package xmltv reads, re-keys and writes XMLTV program guides.
package xmltv

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/gzip"
)

// ErrNoRoot is returned for documents without a <tv> root element.
var ErrNoRoot = errors.New("xmltv: document has no <tv> root")

// Document is a parsed XMLTV guide. Elements the proxy does not know about are
// kept as they are.
type Document struct {
	doc  *etree.Document
	root *etree.Element
}

// Parse reads a guide, transparently decompressing gzip input.
func Parse(data []byte) (*Document, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("xmltv: gzip: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("xmltv: gzip: %w", err)
		}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("xmltv: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "tv" {
		return nil, ErrNoRoot
	}
	return &Document{doc: doc, root: root}, nil
}

// Counts returns the number of channel and programme elements.
func (d *Document) Counts() (channels, programmes int) {
	return len(d.root.SelectElements("channel")), len(d.root.SelectElements("programme"))
}

// Index resolves playlist attributes to guide channel ids.
type Index struct {
	ids   map[string]bool
	names map[string]string
}

// Index builds the lookup tables of the document's channels.
func (d *Document) Index() *Index {
	ix := &Index{ids: map[string]bool{}, names: map[string]string{}}
	for _, ch := range d.root.SelectElements("channel") {
		id := ch.SelectAttrValue("id", "")
		if id == "" {
			continue
		}
		ix.ids[id] = true
		for _, dn := range ch.SelectElements("display-name") {
			key := normalize(dn.Text())
			if _, taken := ix.names[key]; key != "" && !taken {
				ix.names[key] = id
			}
		}
	}
	return ix
}

// Resolve finds the guide channel for a playlist entry: tvg-id first, then
// tvg-name and the display name against the guide's display names.
func (ix *Index) Resolve(tvgID, tvgName, name string) (string, bool) {
	if ix == nil {
		return "", false
	}
	if tvgID != "" && ix.ids[tvgID] {
		return tvgID, true
	}
	for _, n := range []string{tvgName, name} {
		if id, ok := ix.names[normalize(n)]; ok {
			return id, true
		}
	}
	return "", false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Part is one source guide and the mapping from its channel ids to published ids.
type Part struct {
	Doc *Document
	IDs map[string]string
}

// Merge builds a guide that contains only mapped channels, re-keyed to their
// published ids. When several parts map to the same id the first one wins,
// together with its programmes.
func Merge(parts []Part) *Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	doc.CreateDirective(`DOCTYPE tv SYSTEM "xmltv.dtd"`)
	root := doc.CreateElement("tv")
	root.CreateAttr("generator-info-name", "iptv-proxy")

	owner := map[string]int{}
	for i, p := range parts {
		if p.Doc == nil {
			continue
		}
		for _, ch := range p.Doc.root.SelectElements("channel") {
			newID, ok := p.IDs[ch.SelectAttrValue("id", "")]
			if !ok {
				continue
			}
			if _, taken := owner[newID]; taken {
				continue
			}
			owner[newID] = i
			c := ch.Copy()
			c.CreateAttr("id", newID)
			root.AddChild(c)
		}
	}

	for i, p := range parts {
		if p.Doc == nil {
			continue
		}
		for _, prog := range p.Doc.root.SelectElements("programme") {
			newID, ok := p.IDs[prog.SelectAttrValue("channel", "")]
			if !ok || owner[newID] != i {
				continue
			}
			c := prog.Copy()
			c.CreateAttr("channel", newID)
			root.AddChild(c)
		}
	}

	return &Document{doc: doc, root: root}
}

// WriteGzip serializes the guide as gzip-compressed XML.
func (d *Document) WriteGzip() ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := d.doc.WriteTo(zw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
