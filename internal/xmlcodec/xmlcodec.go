// Package xmlcodec builds and parses the Firehose wire format: UTF-8 XML
// documents always wrapped in <?xml version="1.0" ?><data>...</data>.
//
// The peer may concatenate several such documents into a single USB read, and
// may prefix them with non-XML byte noise (observed on some loader builds
// during the configure handshake). Parse tolerates both.
package xmlcodec

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
)

const xmlPrefix = "<?xml"

const header = `<?xml version="1.0" ?>`

// Attr is a single XML attribute. Value may be a string, bool, or any
// integer type; bools and ints are rendered as decimals, strings literally.
type Attr struct {
	Key   string
	Value any
}

// Element is a single self-closing tag nested directly under <data>.
type Element struct {
	Tag   string
	Attrs []Attr
}

func attrString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Build renders one or more Elements as a single <data> document.
func Build(elements ...Element) []byte {
	var buf bytes.Buffer
	buf.WriteString(header)
	buf.WriteString("<data>")
	for _, el := range elements {
		buf.WriteByte('<')
		buf.WriteString(el.Tag)
		for _, a := range el.Attrs {
			buf.WriteByte(' ')
			buf.WriteString(a.Key)
			buf.WriteString(`="`)
			xml.EscapeText(&buf, []byte(attrString(a.Value)))
			buf.WriteByte('"')
		}
		buf.WriteString(" />")
	}
	buf.WriteString("</data>")
	return buf.Bytes()
}

// BuildOne is a convenience wrapper for the common single-tag case, e.g.
// Build(Element{Tag: "nop"}).
func BuildOne(tag string, attrs ...Attr) []byte {
	return Build(Element{Tag: tag, Attrs: attrs})
}

// documents splits raw bytes on the literal "<?xml" prefix, discarding any
// leading noise, and returns each fragment re-prefixed so it parses standalone.
func documents(raw []byte) [][]byte {
	idx := bytes.Index(raw, []byte(xmlPrefix))
	if idx < 0 {
		return nil
	}
	raw = raw[idx:]

	var docs [][]byte
	for {
		next := bytes.Index(raw[len(xmlPrefix):], []byte(xmlPrefix))
		if next < 0 {
			docs = append(docs, raw)
			break
		}
		next += len(xmlPrefix)
		docs = append(docs, raw[:next])
		raw = raw[next:]
	}
	return docs
}

// elementsNamed walks every document and returns the attribute maps of every
// element with the given local name, in document order.
func elementsNamed(raw []byte, name string) []map[string]string {
	var out []map[string]string
	for _, doc := range documents(raw) {
		dec := xml.NewDecoder(bytes.NewReader(doc))
		for {
			tok, err := dec.Token()
			if err != nil {
				if err != io.EOF {
					// Malformed fragment; stop parsing it but keep what we
					// already have from other fragments.
				}
				break
			}
			se, ok := tok.(xml.StartElement)
			if !ok || se.Name.Local != name {
				continue
			}
			attrs := make(map[string]string, len(se.Attr))
			for _, a := range se.Attr {
				attrs[a.Name.Local] = a.Value
			}
			out = append(out, attrs)
		}
	}
	return out
}

// GetResponse flattens the attributes of every <response> element across all
// concatenated documents left-to-right; later attributes win on key
// collision.
func GetResponse(raw []byte) map[string]string {
	merged := make(map[string]string)
	for _, attrs := range elementsNamed(raw, "response") {
		for k, v := range attrs {
			merged[k] = v
		}
	}
	return merged
}

// GetLog returns the "value" attribute of every <log> element in order.
func GetLog(raw []byte) []string {
	var out []string
	for _, attrs := range elementsNamed(raw, "log") {
		if v, ok := attrs["value"]; ok {
			out = append(out, v)
		}
	}
	return out
}

// ContainsResponse reports whether raw contains at least one "<response"
// marker, the same test Firehose's waitForData makes (with strings.Contains)
// to decide whether to keep polling.
func ContainsResponse(raw []byte) bool {
	return bytes.Contains(raw, []byte("<response"))
}
