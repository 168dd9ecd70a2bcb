package trace

import "testing"

func TestParseHeaderFullForm(t *testing.T) {
	h := ParseHeader("105445aa7843bc8bf206b12000100000/12345;o=3")
	if !h.Present {
		t.Fatal("expected Present == true")
	}
	if h.ParentSpanID != 12345 {
		t.Fatalf("ParentSpanID = %d, want 12345", h.ParentSpanID)
	}
	if h.TraceOptions != 3 {
		t.Fatalf("TraceOptions = %d, want 3", h.TraceOptions)
	}
	if !h.Enabled() || !h.StackTraceEnabled() {
		t.Fatal("expected both trace-enabled and stack-trace-enabled bits set")
	}
}

func TestParseHeaderTraceIDOnly(t *testing.T) {
	h := ParseHeader("00000000000000000000000000000001")
	if !h.Present {
		t.Fatal("expected Present == true")
	}
	if h.ParentSpanID != 0 || h.TraceOptions != 0 {
		t.Fatalf("expected defaults, got %+v", h)
	}
}

func TestParseHeaderEmptyOptionalFields(t *testing.T) {
	h := ParseHeader("00000000000000000000000000000001/;o=")
	if !h.Present {
		t.Fatal("expected Present == true")
	}
	if h.ParentSpanID != 0 || h.TraceOptions != 0 {
		t.Fatalf("expected zero defaults for empty optional fields, got %+v", h)
	}
}

func TestParseHeaderEmptyString(t *testing.T) {
	h := ParseHeader("")
	if h.Present {
		t.Fatal("expected Present == false for empty header")
	}
}

func TestParseHeaderMalformedTraceID(t *testing.T) {
	h := ParseHeader("not-32-hex-digits")
	if h.Present {
		t.Fatal("expected Present == false for malformed trace id")
	}
}

func TestRenderHeaderRoundTrip(t *testing.T) {
	h := Header{Present: true, TraceIDHi: 0x105445aa7843bc8b, TraceIDLo: 0xf206b12000100000, ParentSpanID: 42, TraceOptions: 1}
	rendered := RenderHeader(h)
	parsed := ParseHeader(rendered)
	if parsed != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", parsed, h)
	}
}

func TestRenderHeaderAbsent(t *testing.T) {
	if got := RenderHeader(Header{}); got != "" {
		t.Fatalf("RenderHeader(zero value) = %q, want empty", got)
	}
}
