package cmp

import (
	"encoding/asn1"
	"fmt"
	"strings"
)

// PKIStatus values (RFC 4210 Section 5.2.3).
type PKIStatus int

const (
	StatusAccepted               PKIStatus = 0
	StatusGrantedWithMods        PKIStatus = 1
	StatusRejection              PKIStatus = 2
	StatusWaiting                PKIStatus = 3
	StatusRevocationWarning      PKIStatus = 4
	StatusRevocationNotification PKIStatus = 5
	StatusKeyUpdateWarning       PKIStatus = 6
)

func (s PKIStatus) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusGrantedWithMods:
		return "grantedWithMods"
	case StatusRejection:
		return "rejection"
	case StatusWaiting:
		return "waiting"
	case StatusRevocationWarning:
		return "revocationWarning"
	case StatusRevocationNotification:
		return "revocationNotification"
	case StatusKeyUpdateWarning:
		return "keyUpdateWarning"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// FailureBit is a PKIFailureInfo bit position.
type FailureBit int

// PKIFailureInfo bits.
const (
	FailBadAlg               FailureBit = 0
	FailBadMessageCheck      FailureBit = 1
	FailBadRequest           FailureBit = 2
	FailBadTime              FailureBit = 3
	FailBadCertID            FailureBit = 4
	FailBadDataFormat        FailureBit = 5
	FailWrongAuthority       FailureBit = 6
	FailIncorrectData        FailureBit = 7
	FailMissingTimeStamp     FailureBit = 8
	FailBadPOP               FailureBit = 9
	FailCertRevoked          FailureBit = 10
	FailCertConfirmed        FailureBit = 11
	FailWrongIntegrity       FailureBit = 12
	FailBadRecipientNonce    FailureBit = 13
	FailTimeNotAvailable     FailureBit = 14
	FailUnacceptedPolicy     FailureBit = 15
	FailUnacceptedExtension  FailureBit = 16
	FailAddInfoNotAvailable  FailureBit = 17
	FailBadSenderNonce       FailureBit = 18
	FailBadCertTemplate      FailureBit = 19
	FailSignerNotTrusted     FailureBit = 20
	FailTransactionIDInUse   FailureBit = 21
	FailUnsupportedVersion   FailureBit = 22
	FailNotAuthorized        FailureBit = 23
	FailSystemUnavail        FailureBit = 24
	FailSystemFailure        FailureBit = 25
	FailDuplicateCertReq     FailureBit = 26
	failureBitCount                     = 27
)

var failureNames = [failureBitCount]string{
	"badAlg", "badMessageCheck", "badRequest", "badTime", "badCertId",
	"badDataFormat", "wrongAuthority", "incorrectData", "missingTimeStamp",
	"badPOP", "certRevoked", "certConfirmed", "wrongIntegrity",
	"badRecipientNonce", "timeNotAvailable", "unacceptedPolicy",
	"unacceptedExtension", "addInfoNotAvailable", "badSenderNonce",
	"badCertTemplate", "signerNotTrusted", "transactionIdInUse",
	"unsupportedVersion", "notAuthorized", "systemUnavail", "systemFailure",
	"duplicateCertReq",
}

func (b FailureBit) String() string {
	if b >= 0 && int(b) < failureBitCount {
		return failureNames[b]
	}
	return fmt.Sprintf("failure(%d)", int(b))
}

// FailureInfo is a set of PKIFailureInfo bits.
type FailureInfo uint32

// Failure returns the set containing the given bits.
func Failure(bits ...FailureBit) FailureInfo {
	var f FailureInfo
	for _, b := range bits {
		f |= 1 << uint(b)
	}
	return f
}

// Has reports whether b is set.
func (f FailureInfo) Has(b FailureBit) bool {
	return f&(1<<uint(b)) != 0
}

func (f FailureInfo) String() string {
	var names []string
	for b := FailureBit(0); b < failureBitCount; b++ {
		if f.Has(b) {
			names = append(names, b.String())
		}
	}
	return strings.Join(names, ",")
}

// bitString encodes f as a DER named BIT STRING with trailing zero bits
// removed.
func (f FailureInfo) bitString() asn1.BitString {
	length := 0
	for b := 0; b < failureBitCount; b++ {
		if f&(1<<uint(b)) != 0 {
			length = b + 1
		}
	}
	if length == 0 {
		return asn1.BitString{}
	}
	bytes := make([]byte, (length+7)/8)
	for b := 0; b < length; b++ {
		if f&(1<<uint(b)) != 0 {
			bytes[b/8] |= 0x80 >> uint(b%8)
		}
	}
	return asn1.BitString{Bytes: bytes, BitLength: length}
}

func failureInfoFromBits(bs asn1.BitString) FailureInfo {
	var f FailureInfo
	for b := 0; b < bs.BitLength && b < failureBitCount; b++ {
		if bs.At(b) == 1 {
			f |= 1 << uint(b)
		}
	}
	return f
}

// StatusInfo is a PKIStatusInfo.
type StatusInfo struct {
	Status   PKIStatus
	Text     []string
	FailInfo FailureInfo
}

type pkiStatusInfo struct {
	Status       int
	StatusString []asn1.RawValue `asn1:"optional"`
	FailInfo     asn1.BitString  `asn1:"optional"`
}

func (s StatusInfo) toASN1() pkiStatusInfo {
	return pkiStatusInfo{
		Status:       int(s.Status),
		StatusString: marshalFreeText(s.Text),
		FailInfo:     s.FailInfo.bitString(),
	}
}

func (p pkiStatusInfo) status() StatusInfo {
	return StatusInfo{
		Status:   PKIStatus(p.Status),
		Text:     unmarshalFreeText(p.StatusString),
		FailInfo: failureInfoFromBits(p.FailInfo),
	}
}

func (s StatusInfo) marshal() ([]byte, error) {
	return asn1.Marshal(s.toASN1())
}

func parseStatusInfo(der []byte) (StatusInfo, error) {
	var p pkiStatusInfo
	rest, err := asn1.Unmarshal(der, &p)
	if err != nil {
		return StatusInfo{}, err
	}
	if len(rest) > 0 {
		return StatusInfo{}, fmt.Errorf("trailing data after PKIStatusInfo")
	}
	return p.status(), nil
}

func (s StatusInfo) String() string {
	var b strings.Builder
	b.WriteString(s.Status.String())
	if s.FailInfo != 0 {
		fmt.Fprintf(&b, " [%s]", s.FailInfo)
	}
	if len(s.Text) > 0 {
		fmt.Fprintf(&b, " %q", strings.Join(s.Text, "; "))
	}
	return b.String()
}

// ErrorContent is the content of an error body.
type ErrorContent struct {
	Status    StatusInfo
	ErrorCode int
	Details   []string
}

type errorMsgContent struct {
	PKIStatusInfo pkiStatusInfo
	ErrorCode     int             `asn1:"optional"`
	ErrorDetails  []asn1.RawValue `asn1:"optional"`
}

// NewErrorBody builds an error body.
func NewErrorBody(e ErrorContent) (Body, error) {
	content, err := asn1.Marshal(errorMsgContent{
		PKIStatusInfo: e.Status.toASN1(),
		ErrorCode:     e.ErrorCode,
		ErrorDetails:  marshalFreeText(e.Details),
	})
	if err != nil {
		return Body{}, err
	}
	return Body{Type: BodyError, Content: content}, nil
}

// ErrorMsg returns the content of an error body.
func (b Body) ErrorMsg() (ErrorContent, error) {
	if b.Type != BodyError {
		return ErrorContent{}, fmt.Errorf("%w: %s is not an error body", ErrMalformed, b.Type)
	}
	var e errorMsgContent
	if _, err := asn1.Unmarshal(b.Content, &e); err != nil {
		return ErrorContent{}, fmt.Errorf("%w: ErrorMsgContent: %v", ErrMalformed, err)
	}
	return ErrorContent{
		Status:    e.PKIStatusInfo.status(),
		ErrorCode: e.ErrorCode,
		Details:   unmarshalFreeText(e.ErrorDetails),
	}, nil
}

// PollReq is one entry of a pollReq body.
type PollReq struct {
	CertReqID int
}

// PollRep is one entry of a pollRep body.
type PollRep struct {
	CertReqID  int
	CheckAfter int
	Reason     []string
}

type pollRepEntry struct {
	CertReqID  int
	CheckAfter int
	Reason     []asn1.RawValue `asn1:"optional"`
}

// NewPollReqBody builds a pollReq body.
func NewPollReqBody(reqs ...PollReq) (Body, error) {
	content, err := asn1.Marshal(reqs)
	if err != nil {
		return Body{}, err
	}
	return Body{Type: BodyPollReq, Content: content}, nil
}

// PollReqs returns the entries of a pollReq body.
func (b Body) PollReqs() ([]PollReq, error) {
	if b.Type != BodyPollReq {
		return nil, fmt.Errorf("%w: %s is not a pollReq body", ErrMalformed, b.Type)
	}
	var reqs []PollReq
	if _, err := asn1.Unmarshal(b.Content, &reqs); err != nil {
		return nil, fmt.Errorf("%w: PollReqContent: %v", ErrMalformed, err)
	}
	return reqs, nil
}

// NewPollRepBody builds a pollRep body.
func NewPollRepBody(reps ...PollRep) (Body, error) {
	entries := make([]pollRepEntry, 0, len(reps))
	for _, r := range reps {
		entries = append(entries, pollRepEntry{
			CertReqID:  r.CertReqID,
			CheckAfter: r.CheckAfter,
			Reason:     marshalFreeText(r.Reason),
		})
	}
	content, err := asn1.Marshal(entries)
	if err != nil {
		return Body{}, err
	}
	return Body{Type: BodyPollRep, Content: content}, nil
}

// PollReps returns the entries of a pollRep body.
func (b Body) PollReps() ([]PollRep, error) {
	if b.Type != BodyPollRep {
		return nil, fmt.Errorf("%w: %s is not a pollRep body", ErrMalformed, b.Type)
	}
	var entries []pollRepEntry
	if _, err := asn1.Unmarshal(b.Content, &entries); err != nil {
		return nil, fmt.Errorf("%w: PollRepContent: %v", ErrMalformed, err)
	}
	out := make([]PollRep, 0, len(entries))
	for _, e := range entries {
		out = append(out, PollRep{CertReqID: e.CertReqID, CheckAfter: e.CheckAfter, Reason: unmarshalFreeText(e.Reason)})
	}
	return out, nil
}

// CertStatus is one entry of a certConf body.
type CertStatus struct {
	CertHash  []byte
	CertReqID int
	// Status is nil when the certificate is accepted without a status.
	Status *StatusInfo
}

// Accepted reports whether the requester accepted the certificate.
func (c CertStatus) Accepted() bool {
	return c.Status == nil || c.Status.Status == StatusAccepted || c.Status.Status == StatusGrantedWithMods
}

// NewCertConfBody builds a certConf body.
func NewCertConfBody(statuses ...CertStatus) (Body, error) {
	items := make([][]byte, 0, len(statuses))
	for _, cs := range statuses {
		hash, err := asn1.Marshal(cs.CertHash)
		if err != nil {
			return Body{}, err
		}
		id, err := asn1.Marshal(cs.CertReqID)
		if err != nil {
			return Body{}, err
		}
		parts := [][]byte{hash, id}
		if cs.Status != nil {
			si, err := cs.Status.marshal()
			if err != nil {
				return Body{}, err
			}
			parts = append(parts, si)
		}
		item, err := sequence(parts...)
		if err != nil {
			return Body{}, err
		}
		items = append(items, item)
	}
	content, err := sequence(items...)
	if err != nil {
		return Body{}, err
	}
	return Body{Type: BodyCertConf, Content: content}, nil
}

// CertStatuses returns the entries of a certConf body.
func (b Body) CertStatuses() ([]CertStatus, error) {
	if b.Type != BodyCertConf {
		return nil, fmt.Errorf("%w: %s is not a certConf body", ErrMalformed, b.Type)
	}
	elems, err := parseSequence(b.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: CertConfirmContent: %v", ErrMalformed, err)
	}
	out := make([]CertStatus, 0, len(elems))
	for i, e := range elems {
		parts, err := parseSequence(e.FullBytes)
		if err != nil || len(parts) < 2 {
			return nil, fmt.Errorf("%w: CertStatus[%d]", ErrMalformed, i)
		}
		var cs CertStatus
		if _, err := asn1.Unmarshal(parts[0].FullBytes, &cs.CertHash); err != nil {
			return nil, fmt.Errorf("%w: certHash: %v", ErrMalformed, err)
		}
		if _, err := asn1.Unmarshal(parts[1].FullBytes, &cs.CertReqID); err != nil {
			return nil, fmt.Errorf("%w: certReqId: %v", ErrMalformed, err)
		}
		for _, p := range parts[2:] {
			if isUniversal(p, asn1.TagSequence) {
				si, err := parseStatusInfo(p.FullBytes)
				if err != nil {
					return nil, fmt.Errorf("%w: statusInfo: %v", ErrMalformed, err)
				}
				cs.Status = &si
			}
		}
		out = append(out, cs)
	}
	return out, nil
}

// NewPKIConfBody returns the pkiconf body.
func NewPKIConfBody() Body {
	return Body{Type: BodyPKIConf, Content: []byte{0x05, 0x00}}
}

// NewGenBody builds a genm or genp body.
func NewGenBody(t BodyType, itavs ...InfoTypeAndValue) (Body, error) {
	if t != BodyGenM && t != BodyGenP {
		return Body{}, fmt.Errorf("%w: %s is not a general message type", ErrMalformed, t)
	}
	if itavs == nil {
		itavs = []InfoTypeAndValue{}
	}
	content, err := asn1.Marshal(itavs)
	if err != nil {
		return Body{}, err
	}
	return Body{Type: t, Content: content}, nil
}

// InfoTypeAndValues returns the entries of a genm or genp body.
func (b Body) InfoTypeAndValues() ([]InfoTypeAndValue, error) {
	if b.Type != BodyGenM && b.Type != BodyGenP {
		return nil, fmt.Errorf("%w: %s is not a general message body", ErrMalformed, b.Type)
	}
	var itavs []InfoTypeAndValue
	if _, err := asn1.Unmarshal(b.Content, &itavs); err != nil {
		return nil, fmt.Errorf("%w: GenMsgContent: %v", ErrMalformed, err)
	}
	return itavs, nil
}

// NewNestedBody builds a nested body from encoded PKIMessages.
func NewNestedBody(messages ...[]byte) (Body, error) {
	content, err := sequence(messages...)
	if err != nil {
		return Body{}, err
	}
	return Body{Type: BodyNested, Content: content}, nil
}

// NestedMessages returns the encodings of the messages in a nested body.
func (b Body) NestedMessages() ([][]byte, error) {
	if b.Type != BodyNested {
		return nil, fmt.Errorf("%w: %s is not a nested body", ErrMalformed, b.Type)
	}
	elems, err := parseSequence(b.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: NestedMessageContent: %v", ErrMalformed, err)
	}
	out := make([][]byte, 0, len(elems))
	for _, e := range elems {
		out = append(out, e.FullBytes)
	}
	return out, nil
}

// RevRep returns the status entries of an rp body.
func (b Body) RevRep() ([]StatusInfo, error) {
	if b.Type != BodyRP {
		return nil, fmt.Errorf("%w: %s is not an rp body", ErrMalformed, b.Type)
	}
	var rep struct {
		Status []pkiStatusInfo
		Rest   asn1.RawValue `asn1:"optional"`
	}
	if _, err := asn1.Unmarshal(b.Content, &rep); err != nil {
		return nil, fmt.Errorf("%w: RevRepContent: %v", ErrMalformed, err)
	}
	out := make([]StatusInfo, 0, len(rep.Status))
	for _, s := range rep.Status {
		out = append(out, s.status())
	}
	return out, nil
}

// NewRevRepBody builds an rp body.
func NewRevRepBody(statuses ...StatusInfo) (Body, error) {
	items := make([]pkiStatusInfo, 0, len(statuses))
	for _, s := range statuses {
		items = append(items, s.toASN1())
	}
	content, err := asn1.Marshal(struct{ Status []pkiStatusInfo }{items})
	if err != nil {
		return Body{}, err
	}
	return Body{Type: BodyRP, Content: content}, nil
}
