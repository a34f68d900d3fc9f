package cmp

import (
	"fmt"
	"strings"
)

// BodyType is the PKIBody CHOICE tag (RFC 4210 Section 5.1.2).
type BodyType int

// PKIBody types.
const (
	BodyIR       BodyType = 0
	BodyIP       BodyType = 1
	BodyCR       BodyType = 2
	BodyCP       BodyType = 3
	BodyP10CR    BodyType = 4
	BodyPOPDecC  BodyType = 5
	BodyPOPDecR  BodyType = 6
	BodyKUR      BodyType = 7
	BodyKUP      BodyType = 8
	BodyKRR      BodyType = 9
	BodyKRP      BodyType = 10
	BodyRR       BodyType = 11
	BodyRP       BodyType = 12
	BodyCCR      BodyType = 13
	BodyCCP      BodyType = 14
	BodyCKUAnn   BodyType = 15
	BodyCAnn     BodyType = 16
	BodyRAnn     BodyType = 17
	BodyCRLAnn   BodyType = 18
	BodyPKIConf  BodyType = 19
	BodyNested   BodyType = 20
	BodyGenM     BodyType = 21
	BodyGenP     BodyType = 22
	BodyError    BodyType = 23
	BodyCertConf BodyType = 24
	BodyPollReq  BodyType = 25
	BodyPollRep  BodyType = 26
)

var bodyNames = map[BodyType]string{
	BodyIR:       "ir",
	BodyIP:       "ip",
	BodyCR:       "cr",
	BodyCP:       "cp",
	BodyP10CR:    "p10cr",
	BodyPOPDecC:  "popdecc",
	BodyPOPDecR:  "popdecr",
	BodyKUR:      "kur",
	BodyKUP:      "kup",
	BodyKRR:      "krr",
	BodyKRP:      "krp",
	BodyRR:       "rr",
	BodyRP:       "rp",
	BodyCCR:      "ccr",
	BodyCCP:      "ccp",
	BodyCKUAnn:   "ckuann",
	BodyCAnn:     "cann",
	BodyRAnn:     "rann",
	BodyCRLAnn:   "crlann",
	BodyPKIConf:  "pkiconf",
	BodyNested:   "nested",
	BodyGenM:     "genm",
	BodyGenP:     "genp",
	BodyError:    "error",
	BodyCertConf: "certConf",
	BodyPollReq:  "pollReq",
	BodyPollRep:  "pollRep",
}

func (t BodyType) String() string {
	if n, ok := bodyNames[t]; ok {
		return n
	}
	return fmt.Sprintf("body(%d)", int(t))
}

// IsValid reports whether t is a PKIBody tag defined by RFC 4210.
func (t BodyType) IsValid() bool {
	_, ok := bodyNames[t]
	return ok
}

// ParseBodyType converts a body name ("ir", "certConf", ...) to its type.
// Matching is case-insensitive.
func ParseBodyType(s string) (BodyType, error) {
	for t, n := range bodyNames {
		if strings.EqualFold(n, s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown PKIBody type: %q", s)
}

// IsEnrollment reports whether t requests a new certificate.
func (t BodyType) IsEnrollment() bool {
	switch t {
	case BodyIR, BodyCR, BodyKUR, BodyP10CR:
		return true
	}
	return false
}

// ResponseType returns the body type expected in reply to request type t.
// The second result is false for types that are not requests.
func (t BodyType) ResponseType() (BodyType, bool) {
	switch t {
	case BodyIR:
		return BodyIP, true
	case BodyCR, BodyP10CR:
		return BodyCP, true
	case BodyKUR:
		return BodyKUP, true
	case BodyKRR:
		return BodyKRP, true
	case BodyRR:
		return BodyRP, true
	case BodyCCR:
		return BodyCCP, true
	case BodyGenM:
		return BodyGenP, true
	case BodyCertConf, BodyError:
		return BodyPKIConf, true
	case BodyPollReq:
		return BodyPollRep, true
	case BodyNested:
		return BodyNested, true
	}
	return 0, false
}
