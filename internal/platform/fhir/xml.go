package fhir

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	fhirNamespace  = "http://hl7.org/fhir"
	xhtmlNamespace = "http://www.w3.org/1999/xhtml"
)

// ErrNotFHIRXML is returned when an XML document's root is not a resource in
// the FHIR namespace.
var ErrNotFHIRXML = errors.New("document is not a FHIR resource")

// Elements that are arrays wherever they appear in the resources this server
// exchanges. name and address are handled by repeats because they are single
// valued below the resource level (Patient.contact, Parameters.parameter).
var repeatingElements = map[string]bool{
	"identifier": true, "given": true, "prefix": true, "suffix": true,
	"telecom": true, "line": true, "coding": true, "contact": true,
	"photo": true, "profile": true, "security": true, "tag": true,
	"parameter": true, "part": true, "entry": true, "link": true,
	"issue": true, "extension": true, "modifierExtension": true,
	"communication": true, "generalPractitioner": true, "contained": true,
	"expression": true, "location": true, "relationship": true,
	"format": true, "rest": true, "interaction": true, "searchParam": true,
	"operation": true, "service": true,
}

var booleanElements = map[string]bool{
	"active": true, "deceasedBoolean": true, "multipleBirthBoolean": true,
	"valueBoolean": true, "preferred": true, "userSelected": true,
	"cors": true,
}

var numberElements = map[string]bool{
	"rank": true, "total": true, "size": true, "score": true,
	"multipleBirthInteger": true, "valueInteger": true, "valueDecimal": true,
	"valuePositiveInt": true, "valueUnsignedInt": true,
}

func repeats(parent, name string) bool {
	switch name {
	case "name", "address":
		return isResourceName(parent)
	}
	return repeatingElements[name]
}

// ---------------------------------------------------------------------------
// JSON -> XML
// ---------------------------------------------------------------------------

type jsonKind int

const (
	jsonNull jsonKind = iota
	jsonScalar
	jsonObject
	jsonArray
)

// jsonNode keeps object members in document order, which FHIR XML requires.
type jsonNode struct {
	kind   jsonKind
	scalar string
	keys   []string
	fields []*jsonNode
	items  []*jsonNode
}

func (n *jsonNode) field(key string) *jsonNode {
	for i, k := range n.keys {
		if k == key {
			return n.fields[i]
		}
	}
	return nil
}

func (n *jsonNode) resourceType() string {
	if n.kind != jsonObject {
		return ""
	}
	if rt := n.field("resourceType"); rt != nil && rt.kind == jsonScalar {
		return rt.scalar
	}
	return ""
}

// JSONToXML converts a FHIR JSON resource to its FHIR XML representation.
// Extensions on primitive values (the "_field" members) are not carried.
func JSONToXML(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	root, err := decodeNode(dec)
	if err != nil {
		return nil, fmt.Errorf("fhir xml: decode json: %w", err)
	}
	if root.resourceType() == "" {
		return nil, fmt.Errorf("fhir xml: %w: missing resourceType", ErrNotFHIRXML)
	}

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := writeResource(enc, root); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeNode(dec *json.Decoder) (*jsonNode, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			n := &jsonNode{kind: jsonObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				child, err := decodeNode(dec)
				if err != nil {
					return nil, err
				}
				n.keys = append(n.keys, key)
				n.fields = append(n.fields, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		case '[':
			n := &jsonNode{kind: jsonArray}
			for dec.More() {
				child, err := decodeNode(dec)
				if err != nil {
					return nil, err
				}
				n.items = append(n.items, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case string:
		return &jsonNode{kind: jsonScalar, scalar: t}, nil
	case json.Number:
		return &jsonNode{kind: jsonScalar, scalar: t.String()}, nil
	case bool:
		return &jsonNode{kind: jsonScalar, scalar: strconv.FormatBool(t)}, nil
	case nil:
		return &jsonNode{kind: jsonNull}, nil
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

func writeResource(enc *xml.Encoder, n *jsonNode) error {
	start := xml.StartElement{
		Name: xml.Name{Local: n.resourceType()},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: fhirNamespace}},
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if err := writeMembers(enc, n, start.Name.Local); err != nil {
		return err
	}
	return enc.EncodeToken(start.End())
}

func writeMembers(enc *xml.Encoder, n *jsonNode, parent string) error {
	for i, key := range n.keys {
		if key == "resourceType" || strings.HasPrefix(key, "_") {
			continue
		}
		if err := writeMember(enc, key, n.fields[i], parent); err != nil {
			return err
		}
	}
	return nil
}

func writeMember(enc *xml.Encoder, key string, v *jsonNode, parent string) error {
	switch v.kind {
	case jsonNull:
		return nil
	case jsonArray:
		for _, item := range v.items {
			if err := writeMember(enc, key, item, parent); err != nil {
				return err
			}
		}
		return nil
	case jsonScalar:
		if key == "div" {
			return copyXHTML(enc, v.scalar)
		}
		start := xml.StartElement{
			Name: xml.Name{Local: key},
			Attr: []xml.Attr{{Name: xml.Name{Local: "value"}, Value: v.scalar}},
		}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		return enc.EncodeToken(start.End())
	}

	start := xml.StartElement{Name: xml.Name{Local: key}}
	if v.resourceType() != "" {
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		if err := writeResource(enc, v); err != nil {
			return err
		}
		return enc.EncodeToken(start.End())
	}

	// id on any element, and url on extensions, are XML attributes.
	skip := map[string]bool{}
	if id := v.field("id"); id != nil && id.kind == jsonScalar {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: id.scalar})
		skip["id"] = true
	}
	if key == "extension" || key == "modifierExtension" {
		if url := v.field("url"); url != nil && url.kind == jsonScalar {
			start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "url"}, Value: url.scalar})
			skip["url"] = true
		}
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for i, k := range v.keys {
		if skip[k] || strings.HasPrefix(k, "_") {
			continue
		}
		if err := writeMember(enc, k, v.fields[i], key); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// copyXHTML re-emits a narrative div token by token.
func copyXHTML(enc *xml.Encoder, div string) error {
	dec := xml.NewDecoder(strings.NewReader(div))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fhir xml: narrative: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			t.Name.Space = ""
			attrs := t.Attr[:0]
			for _, a := range t.Attr {
				if a.Name.Space == "" {
					attrs = append(attrs, a)
				}
			}
			t.Attr = attrs
			tok = t
		case xml.EndElement:
			t.Name.Space = ""
			tok = t
		case xml.ProcInst, xml.Directive:
			continue
		}
		if err := enc.EncodeToken(xml.CopyToken(tok)); err != nil {
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// XML -> JSON
// ---------------------------------------------------------------------------

type xmlElement struct {
	name     string
	attrs    map[string]string
	children []*xmlElement
	raw      string
}

// XMLToJSON converts a FHIR XML resource to FHIR JSON.
func XMLToJSON(data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var root *xmlElement
	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fhir xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Space != fhirNamespace {
			return nil, fmt.Errorf("fhir xml: %w: root <%s> in namespace %q", ErrNotFHIRXML, start.Name.Local, start.Name.Space)
		}
		root, err = readElement(dec, data, start, offset)
		if err != nil {
			return nil, fmt.Errorf("fhir xml: %w", err)
		}
		break
	}
	if root == nil {
		return nil, fmt.Errorf("fhir xml: %w: empty document", ErrNotFHIRXML)
	}

	var buf bytes.Buffer
	if err := writeResourceJSON(&buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readElement(dec *xml.Decoder, data []byte, start xml.StartElement, offset int64) (*xmlElement, error) {
	el := &xmlElement{name: start.Name.Local, attrs: map[string]string{}}
	if start.Name.Space == xhtmlNamespace {
		if err := dec.Skip(); err != nil {
			return nil, err
		}
		el.raw = string(data[offset:dec.InputOffset()])
		return el, nil
	}
	for _, a := range start.Attr {
		if a.Name.Space == "" && a.Name.Local != "xmlns" {
			el.attrs[a.Name.Local] = a.Value
		}
	}
	for {
		childOffset := dec.InputOffset()
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := readElement(dec, data, t, childOffset)
			if err != nil {
				return nil, err
			}
			el.children = append(el.children, child)
		case xml.EndElement:
			return el, nil
		}
	}
}

// isResourceName reports whether an element name is a resource type rather
// than a data element. Resource types are the only upper-case names in FHIR.
func isResourceName(name string) bool {
	return name != "" && name[0] >= 'A' && name[0] <= 'Z'
}

func writeResourceJSON(buf *bytes.Buffer, el *xmlElement) error {
	buf.WriteByte('{')
	buf.WriteString(`"resourceType":`)
	writeJSONString(buf, el.name)
	if err := writeChildrenJSON(buf, el, true); err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

func writeChildrenJSON(buf *bytes.Buffer, el *xmlElement, leadingComma bool) error {
	first := !leadingComma
	comma := func() {
		if !first {
			buf.WriteByte(',')
		}
		first = false
	}

	for _, attr := range []string{"id", "url"} {
		if v, ok := el.attrs[attr]; ok {
			comma()
			writeJSONString(buf, attr)
			buf.WriteByte(':')
			writeJSONString(buf, v)
		}
	}

	// Group children by name in first-seen order.
	var order []string
	groups := map[string][]*xmlElement{}
	for _, child := range el.children {
		if _, seen := groups[child.name]; !seen {
			order = append(order, child.name)
		}
		groups[child.name] = append(groups[child.name], child)
	}

	for _, name := range order {
		members := groups[name]
		comma()
		writeJSONString(buf, name)
		buf.WriteByte(':')
		if len(members) > 1 || repeats(el.name, name) {
			buf.WriteByte('[')
			for i, m := range members {
				if i > 0 {
					buf.WriteByte(',')
				}
				if err := writeValueJSON(buf, m); err != nil {
					return err
				}
			}
			buf.WriteByte(']')
			continue
		}
		if err := writeValueJSON(buf, members[0]); err != nil {
			return err
		}
	}
	return nil
}

func writeValueJSON(buf *bytes.Buffer, el *xmlElement) error {
	if el.raw != "" {
		writeJSONString(buf, el.raw)
		return nil
	}
	if value, ok := el.attrs["value"]; ok {
		return writePrimitiveJSON(buf, el.name, value)
	}
	if len(el.children) == 1 && isResourceName(el.children[0].name) && len(el.attrs) == 0 {
		return writeResourceJSON(buf, el.children[0])
	}
	buf.WriteByte('{')
	if err := writeChildrenJSON(buf, el, false); err != nil {
		return err
	}
	buf.WriteByte('}')
	return nil
}

func writePrimitiveJSON(buf *bytes.Buffer, name, value string) error {
	switch {
	case booleanElements[name]:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("fhir xml: <%s> value %q is not a boolean", name, value)
		}
		buf.WriteString(strconv.FormatBool(b))
	case numberElements[name]:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("fhir xml: <%s> value %q is not a number", name, value)
		}
		buf.WriteString(value)
	default:
		writeJSONString(buf, value)
	}
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
