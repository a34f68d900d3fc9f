package cmp

import "encoding/asn1"

// InfoTypeAndValue types (RFC 4210 Section 5.3.19, RFC 9480).
var (
	OIDImplicitConfirm  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 13}
	OIDConfirmWaitTime  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 14}
	OIDCACerts          = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 17}
	OIDRootCAKeyUpdate  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 18}
	OIDCertReqTemplate  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 19}
	OIDRootCACert       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 20}
	OIDCertProfile      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 21}
	OIDCRLStatusList    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 22}
	OIDCRLs             = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 23}
	OIDKeyPairParamReq  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 10}
	OIDKeyPairParamRep  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 11}
	OIDOrigPKIMessage   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 1, 4}
	OIDSignKeyPairTypes = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 2}
)

var infoTypeNames = map[string]string{
	OIDImplicitConfirm.String():  "implicitConfirm",
	OIDConfirmWaitTime.String():  "confirmWaitTime",
	OIDCACerts.String():          "caCerts",
	OIDRootCAKeyUpdate.String():  "rootCaKeyUpdate",
	OIDCertReqTemplate.String():  "certReqTemplate",
	OIDRootCACert.String():       "rootCaCert",
	OIDCertProfile.String():      "certProfile",
	OIDCRLStatusList.String():    "crlStatusList",
	OIDCRLs.String():             "crls",
	OIDKeyPairParamReq.String():  "keyPairParamReq",
	OIDKeyPairParamRep.String():  "keyPairParamRep",
	OIDSignKeyPairTypes.String(): "signKeyPairTypes",
}

// InfoTypeName returns a short name for well-known info types and the
// dotted OID otherwise.
func InfoTypeName(oid asn1.ObjectIdentifier) string {
	if n, ok := infoTypeNames[oid.String()]; ok {
		return n
	}
	return oid.String()
}
