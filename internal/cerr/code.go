package cerr

import "net/http"

type Code int

const (
	Unknown = Code(iota)
	NotFound
	Forbidden
	Unauthenticated
	InvalidArgument
	NoOp
	InvalidReason
	VersionConflict
	Conflict
	ProposalAlreadyPending
	AlreadyResolved
	ApprovedButStatusConflict
	Unavailable
)

var codeNames = map[Code]string{
	Unknown:                   "unknown",
	NotFound:                  "not_found",
	Forbidden:                 "forbidden",
	Unauthenticated:           "unauthenticated",
	InvalidArgument:           "invalid_argument",
	NoOp:                      "no_op",
	InvalidReason:             "invalid_reason",
	VersionConflict:           "version_conflict",
	Conflict:                  "conflict",
	ProposalAlreadyPending:    "proposal_already_pending",
	AlreadyResolved:           "already_resolved",
	ApprovedButStatusConflict: "approved_but_status_conflict",
	Unavailable:               "unavailable",
}

// String returns the stable machine code clients match on.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return codeNames[Unknown]
}

// ParseCode is the inverse of String. Unrecognized names map to Unknown.
func ParseCode(s string) Code {
	for c, name := range codeNames {
		if name == s {
			return c
		}
	}
	return Unknown
}

func (c Code) HTTPCode() int {
	switch c {
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case Unauthenticated:
		return http.StatusUnauthorized
	case InvalidArgument:
		return http.StatusBadRequest
	case NoOp, InvalidReason:
		return http.StatusUnprocessableEntity
	case VersionConflict, Conflict, ProposalAlreadyPending, AlreadyResolved, ApprovedButStatusConflict:
		return http.StatusConflict
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
