package iqmux

import (
	"encoding/xml"
	"io"
)

// NSStanzas is the namespace of the defined stanza error conditions.
const NSStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"

// Condition is a defined stanza error condition.
type Condition string

// The conditions this component synthesizes.
const (
	BadRequest          Condition = "bad-request"
	Forbidden           Condition = "forbidden"
	InternalServerError Condition = "internal-server-error"
	ServiceUnavailable  Condition = "service-unavailable"
)

// errorType returns the RFC 6120 error type associated with a condition.
func (c Condition) errorType() string {
	switch c {
	case Forbidden:
		return "auth"
	case BadRequest:
		return "modify"
	default:
		return "cancel"
	}
}

// StanzaError is the <error/> child of an error IQ.
type StanzaError struct {
	Type      string
	Condition Condition
	Text      string
}

// Error satisfies the error interface.
func (e *StanzaError) Error() string {
	if e.Text != "" {
		return string(e.Condition) + ": " + e.Text
	}
	return string(e.Condition)
}

// MarshalXML implements xml.Marshaler.
func (e *StanzaError) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "error"}
	start.Attr = []xml.Attr{{Name: xml.Name{Local: "type"}, Value: e.Type}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	cond := xml.StartElement{Name: xml.Name{Space: NSStanzas, Local: string(e.Condition)}}
	if err := enc.EncodeToken(cond); err != nil {
		return err
	}
	if err := enc.EncodeToken(cond.End()); err != nil {
		return err
	}
	if e.Text != "" {
		text := xml.StartElement{Name: xml.Name{Space: NSStanzas, Local: "text"}}
		if err := enc.EncodeToken(text); err != nil {
			return err
		}
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
		if err := enc.EncodeToken(text.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// UnmarshalXML implements xml.Unmarshaler.
func (e *StanzaError) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		if attr.Name.Local == "type" {
			e.Type = attr.Value
		}
	}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != NSStanzas {
				if err := dec.Skip(); err != nil {
					return err
				}
				continue
			}
			if t.Name.Local == "text" {
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return err
				}
				e.Text = text
				continue
			}
			e.Condition = Condition(t.Name.Local)
			if err := dec.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}
