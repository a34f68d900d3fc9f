package cmp

import (
	"encoding/asn1"
	"fmt"
)

// splitElements splits the concatenated encodings of a SEQUENCE's
// contents into individual TLVs.
func splitElements(b []byte) ([]asn1.RawValue, error) {
	var out []asn1.RawValue
	for len(b) > 0 {
		var rv asn1.RawValue
		rest, err := asn1.Unmarshal(b, &rv)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
		b = rest
	}
	return out, nil
}

// parseSequence parses a single DER SEQUENCE and returns its elements.
func parseSequence(der []byte) ([]asn1.RawValue, error) {
	var seq asn1.RawValue
	rest, err := asn1.Unmarshal(der, &seq)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after SEQUENCE")
	}
	if seq.Class != asn1.ClassUniversal || seq.Tag != asn1.TagSequence || !seq.IsCompound {
		return nil, fmt.Errorf("expected SEQUENCE, got class %d tag %d", seq.Class, seq.Tag)
	}
	return splitElements(seq.Bytes)
}

// sequence encodes the given TLVs as a DER SEQUENCE.
func sequence(items ...[]byte) ([]byte, error) {
	var content []byte
	for _, it := range items {
		content = append(content, it...)
	}
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSequence,
		IsCompound: true,
		Bytes:      content,
	})
}

// contextTag encodes content under a constructed context-specific tag.
// For EXPLICIT tagging content is a complete TLV; for IMPLICIT tagging of
// a constructed type it is the type's contents octets.
func contextTag(tag int, content []byte) ([]byte, error) {
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        tag,
		IsCompound: true,
		Bytes:      content,
	})
}

// retag re-encodes a constructed TLV with a universal SEQUENCE tag. It
// undoes IMPLICIT tagging of a SEQUENCE-typed field.
func retag(rv asn1.RawValue) ([]byte, error) {
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSequence,
		IsCompound: true,
		Bytes:      rv.Bytes,
	})
}

func isContext(rv asn1.RawValue, tag int) bool {
	return rv.Class == asn1.ClassContextSpecific && rv.Tag == tag
}

func isUniversal(rv asn1.RawValue, tag int) bool {
	return rv.Class == asn1.ClassUniversal && rv.Tag == tag
}

// singleTLV checks that b holds exactly one TLV.
func singleTLV(b []byte) (asn1.RawValue, error) {
	var rv asn1.RawValue
	rest, err := asn1.Unmarshal(b, &rv)
	if err != nil {
		return rv, err
	}
	if len(rest) > 0 {
		return rv, fmt.Errorf("trailing data after element")
	}
	return rv, nil
}

func marshalFreeText(lines []string) []asn1.RawValue {
	if len(lines) == 0 {
		return nil
	}
	out := make([]asn1.RawValue, 0, len(lines))
	for _, l := range lines {
		out = append(out, asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagUTF8String, Bytes: []byte(l)})
	}
	return out
}

func unmarshalFreeText(raw []asn1.RawValue) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, rv := range raw {
		out = append(out, string(rv.Bytes))
	}
	return out
}
