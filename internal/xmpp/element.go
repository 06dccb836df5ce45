// Package xmpp holds the minimal stanza model the OMEMO core operates on:
// a generic XML element tree, JID handling (address parsing delegated to
// github.com/meszmate/xmpp-go/jid), and the narrow wire interfaces the
// surrounding runtime must provide.
package xmpp

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Element is a generic XML element. Stanzas and their extension payloads are
// all represented as Element trees; the core never defines per-stanza structs
// because pubsub payloads are schema-less from its point of view.
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []Element  `xml:",any"`
}

// NewElement creates an element with the given local name and namespace.
func NewElement(name, ns string) *Element {
	return &Element{XMLName: xml.Name{Space: ns, Local: name}}
}

// Name returns the element's local name.
func (e *Element) Name() string { return e.XMLName.Local }

// Namespace returns the element's namespace.
func (e *Element) Namespace() string { return e.XMLName.Space }

// Attr returns the value of the named attribute, or "" if absent.
// Namespace qualifiers on attributes are ignored; stanza attributes
// (to, from, id, type) are unqualified in practice.
func (e *Element) Attr(name string) string {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// SetAttr sets or replaces the named attribute.
func (e *Element) SetAttr(name, value string) *Element {
	for i, a := range e.Attrs {
		if a.Name.Local == name {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	return e
}

// Child returns the first direct child with the given local name, or nil.
func (e *Element) Child(name string) *Element {
	for i := range e.Children {
		if e.Children[i].XMLName.Local == name {
			return &e.Children[i]
		}
	}
	return nil
}

// ChildNS returns the first direct child with the given local name and
// namespace, or nil.
func (e *Element) ChildNS(name, ns string) *Element {
	for i := range e.Children {
		if e.Children[i].XMLName.Local == name && e.Children[i].XMLName.Space == ns {
			return &e.Children[i]
		}
	}
	return nil
}

// ChildAnyNS returns the first direct child with the given local name whose
// namespace is one of the listed ones, or nil.
func (e *Element) ChildAnyNS(name string, namespaces ...string) *Element {
	for _, ns := range namespaces {
		if c := e.ChildNS(name, ns); c != nil {
			return c
		}
	}
	return nil
}

// FindChildren returns all direct children with the given local name.
func (e *Element) FindChildren(name string) []*Element {
	var out []*Element
	for i := range e.Children {
		if e.Children[i].XMLName.Local == name {
			out = append(out, &e.Children[i])
		}
	}
	return out
}

// AddChild appends a child element and returns the receiver for chaining.
func (e *Element) AddChild(c *Element) *Element {
	e.Children = append(e.Children, *c)
	return e
}

// AddText appends a child element carrying only character data.
func (e *Element) AddText(name, ns, text string) *Element {
	c := NewElement(name, ns)
	c.Text = text
	return e.AddChild(c)
}

// String renders the element as XML. Used for logging and tests; the wire
// layer owns actual serialization.
func (e *Element) String() string {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(e); err != nil {
		return fmt.Sprintf("<!-- encode error: %v -->", err)
	}
	return buf.String()
}

// Parse decodes a single XML element from raw bytes.
func Parse(data []byte) (*Element, error) {
	var e Element
	if err := xml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("xmpp: parse element: %w", err)
	}
	return &e, nil
}
