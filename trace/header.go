package trace

import (
	"fmt"
	"strconv"
	"strings"
)

// Header is the parsed form of the inbound trace-context header, grammar
// TRACE_ID[/SPAN_ID][;o=TRACE_OPTIONS] (spec.md §4.6).
type Header struct {
	Present       bool
	TraceIDHi     uint64
	TraceIDLo     uint64
	ParentSpanID  uint64
	TraceOptions  uint64
}

// Enabled reports whether bit 0 of TraceOptions (trace-enabled) is set.
func (h Header) Enabled() bool {
	return h.Present && h.TraceOptions&0x1 != 0
}

// StackTraceEnabled reports whether bit 1 of TraceOptions is set.
func (h Header) StackTraceEnabled() bool {
	return h.Present && h.TraceOptions&0x2 != 0
}

// ParseHeader parses the trace-context header value. An empty string
// yields a zero Header with Present == false. A malformed TRACE_ID (not
// 32 hex digits) is treated as absent, matching the "any field may be
// absent" looseness spec.md §4.6 allows.
func ParseHeader(value string) Header {
	if value == "" {
		return Header{}
	}

	rest := value
	var optionsPart string
	if idx := strings.IndexByte(rest, ';'); idx >= 0 {
		optionsPart = rest[idx+1:]
		rest = rest[:idx]
	}

	traceIDPart := rest
	var spanPart string
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		traceIDPart = rest[:idx]
		spanPart = rest[idx+1:]
	}

	if len(traceIDPart) != 32 {
		return Header{}
	}
	hi, err1 := strconv.ParseUint(traceIDPart[:16], 16, 64)
	lo, err2 := strconv.ParseUint(traceIDPart[16:], 16, 64)
	if err1 != nil || err2 != nil {
		return Header{}
	}

	h := Header{Present: true, TraceIDHi: hi, TraceIDLo: lo}

	if spanPart != "" {
		if span, err := strconv.ParseUint(spanPart, 10, 64); err == nil {
			h.ParentSpanID = span
		}
	}

	if optionsPart != "" {
		const prefix = "o="
		if strings.HasPrefix(optionsPart, prefix) {
			optVal := optionsPart[len(prefix):]
			if optVal != "" {
				if opts, err := strconv.ParseUint(optVal, 10, 64); err == nil {
					h.TraceOptions = opts
				}
			}
		}
	}

	return h
}

// RenderHeader renders h back into the wire grammar, the inverse of
// ParseHeader for outbound propagation.
func RenderHeader(h Header) string {
	if !h.Present {
		return ""
	}
	s := fmt.Sprintf("%016x%016x", h.TraceIDHi, h.TraceIDLo)
	if h.ParentSpanID != 0 {
		s += "/" + strconv.FormatUint(h.ParentSpanID, 10)
	}
	s += fmt.Sprintf(";o=%d", h.TraceOptions)
	return s
}
