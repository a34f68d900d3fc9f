package cmp

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// GeneralName tags (RFC 5280 Section 4.2.1.6).
const (
	nameTagRFC822    = 1
	nameTagDNS       = 2
	nameTagDirectory = 4
	nameTagURI       = 6
)

// GeneralName holds the encoding of a sender or recipient name.
type GeneralName struct {
	asn1.RawValue
}

// DirectoryName returns the GeneralName directoryName form of name.
func DirectoryName(name pkix.Name) GeneralName {
	rdn, err := asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		// RDNSequence of string attributes always marshals.
		panic(fmt.Sprintf("cmp: marshal RDNSequence: %v", err))
	}
	return directoryNameFromRDN(rdn)
}

// DirectoryNameFromRaw wraps an already DER-encoded Name, as found in
// x509.Certificate.RawSubject.
func DirectoryNameFromRaw(rawName []byte) GeneralName {
	return directoryNameFromRDN(rawName)
}

func directoryNameFromRDN(rdn []byte) GeneralName {
	full, _ := contextTag(nameTagDirectory, rdn)
	return GeneralName{asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        nameTagDirectory,
		IsCompound: true,
		Bytes:      rdn,
		FullBytes:  full,
	}}
}

// NullDN is the empty directory name used when no name is known.
func NullDN() GeneralName {
	return DirectoryName(pkix.Name{})
}

// IsZero reports whether the name has not been set.
func (g GeneralName) IsZero() bool {
	return len(g.FullBytes) == 0 && len(g.Bytes) == 0
}

// IsNullDN reports whether g is the empty directory name.
func (g GeneralName) IsNullDN() bool {
	if g.IsZero() {
		return true
	}
	if !isContext(g.RawValue, nameTagDirectory) {
		return false
	}
	elems, err := parseSequence(g.Bytes)
	return err == nil && len(elems) == 0
}

// Name returns the directory name. The second result is false if g is
// not a directoryName.
func (g GeneralName) Name() (pkix.Name, bool) {
	var name pkix.Name
	if !isContext(g.RawValue, nameTagDirectory) {
		return name, false
	}
	var rdn pkix.RDNSequence
	if rest, err := asn1.Unmarshal(g.Bytes, &rdn); err != nil || len(rest) > 0 {
		return name, false
	}
	name.FillFromRDNSequence(&rdn)
	return name, true
}

// String renders the name in RFC 2253 form for directory names and as
// plain text for the string-valued alternatives.
func (g GeneralName) String() string {
	if g.IsZero() {
		return ""
	}
	if g.Class == asn1.ClassContextSpecific {
		switch g.Tag {
		case nameTagDirectory:
			if n, ok := g.Name(); ok {
				return n.String()
			}
		case nameTagRFC822, nameTagDNS, nameTagURI:
			return string(g.Bytes)
		}
	}
	return fmt.Sprintf("[%d]%x", g.Tag, g.Bytes)
}

// Equal compares two names by encoding.
func (g GeneralName) Equal(o GeneralName) bool {
	return bytes.Equal(g.encoded(), o.encoded())
}

func (g GeneralName) encoded() []byte {
	if len(g.FullBytes) > 0 {
		return g.FullBytes
	}
	b, _ := asn1.Marshal(g.RawValue)
	return b
}
