// Package normalize implements the command-text classifier described
// as an external, pure-function contract: given raw captured text, it
// recognizes the six command kinds and, for handle-bearing kinds,
// extracts the source-side handle id.
//
// A production deployment is expected to supply its own SQL-aware
// normalizer (e.g. one that recognizes sp_prepare/sp_execute/
// sp_unprepare RPC events straight off a captured trace); this package
// is the reference implementation that drives this repository's own
// tests, built around a small tagged-text convention that an upstream
// capture/listener layer would produce:
//
//	{prepare:7}PREP X            -> Kind=Prepare,   SourceHandleID=7
//	{execute:7}EXEC § params      -> Kind=Execute,   SourceHandleID=7
//	{unprepare:7}UNPREP §         -> Kind=Unprepare, SourceHandleID=7
//	reset connection              -> Kind=ResetConn
//	reset connection nonpooled    -> Kind=ResetConnNonPooled
//	anything else                 -> Kind=Regular
package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies a normalized command.
type Kind int

// The six recognized command kinds.
const (
	Regular Kind = iota
	Prepare
	Execute
	Unprepare
	ResetConn
	ResetConnNonPooled
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "Regular"
	case Prepare:
		return "Prepare"
	case Execute:
		return "Execute"
	case Unprepare:
		return "Unprepare"
	case ResetConn:
		return "ResetConn"
	case ResetConnNonPooled:
		return "ResetConnNonPooled"
	default:
		return "Unknown"
	}
}

// HandlePlaceholder is the sentinel substituted with the server handle
// in Execute/Unprepare normalized text. Only the first occurrence is
// ever substituted.
const HandlePlaceholder = "§"

// NormalizedCommand is the pure-function output of Normalize.
type NormalizedCommand struct {
	Kind Kind
	// Text is the text to send to the target. For Execute/Unprepare it
	// contains exactly one HandlePlaceholder marking the substitution
	// point.
	Text string
	// SourceHandleID is valid when Kind is Prepare, Execute, or
	// Unprepare.
	SourceHandleID int64
}

// Normalizer classifies command text. It is a pure function of its
// input.
type Normalizer func(text string) (NormalizedCommand, error)

var (
	prepareRe   = regexp.MustCompile(`^\{prepare:(\d+)\}(.*)$`)
	executeRe   = regexp.MustCompile(`^\{execute:(\d+)\}(.*)$`)
	unprepareRe = regexp.MustCompile(`^\{unprepare:(\d+)\}(.*)$`)
)

// Normalize is the reference Normalizer implementation.
func Normalize(text string) (NormalizedCommand, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "reset connection":
		return NormalizedCommand{Kind: ResetConn, Text: text}, nil
	case "reset connection nonpooled":
		return NormalizedCommand{Kind: ResetConnNonPooled, Text: text}, nil
	}

	if m := prepareRe.FindStringSubmatch(text); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return NormalizedCommand{}, errors.Wrap(err, "invalid prepare handle")
		}
		return NormalizedCommand{Kind: Prepare, Text: m[2], SourceHandleID: id}, nil
	}
	if m := executeRe.FindStringSubmatch(text); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return NormalizedCommand{}, errors.Wrap(err, "invalid execute handle")
		}
		return NormalizedCommand{Kind: Execute, Text: m[2], SourceHandleID: id}, nil
	}
	if m := unprepareRe.FindStringSubmatch(text); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return NormalizedCommand{}, errors.Wrap(err, "invalid unprepare handle")
		}
		return NormalizedCommand{Kind: Unprepare, Text: m[2], SourceHandleID: id}, nil
	}

	return NormalizedCommand{Kind: Regular, Text: text}, nil
}

// Substitute replaces the first occurrence of HandlePlaceholder in
// text with the decimal representation of handle.
func Substitute(text string, handle int64) string {
	return strings.Replace(text, HandlePlaceholder, strconv.FormatInt(handle, 10), 1)
}
