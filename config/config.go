// Package config implements the CLI surface (spec.md §6) and the
// CloneSettings applied over the wire. Grounded on etl/globals.go's
// package-global settings and cmd/etl_worker/etl_worker.go's flag.Parse,
// enriched with github.com/juju/gnuflag for the GNU triple-form boolean
// flags the spec requires (stdlib flag only supports --flag/--flag=value)
// and github.com/iancoleman/strcase for flag/wire-name-to-field mapping.
package config

import (
	"fmt"
	"log"
	"reflect"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/juju/gnuflag"
)

// CLI holds the process-level flags listed in spec.md §6.
type CLI struct {
	TrustedHost                 string
	CloneMaxOutstandingAPIRPCs  int64
	ByteCountBeforeFlushing     int
	MaxLogLineSize              int
	MaxLogFlushSeconds          int
	MaxRuntimeLogPerRequest     int
	JettyHTTPPort               int
	FixedApplicationPath        string
	PollForNetwork              bool
	DisableAPICallLogging       bool
}

func defaultCLI() CLI {
	return CLI{
		CloneMaxOutstandingAPIRPCs: 100,
		ByteCountBeforeFlushing:    100 * 1024,
		MaxLogLineSize:             16 * 1024,
		MaxLogFlushSeconds:         1,
		MaxRuntimeLogPerRequest:    3 * 1024 * 1024,
		JettyHTTPPort:              8080,
		PollForNetwork:             true,
	}
}

func newFlagSet(c *CLI) *gnuflag.FlagSet {
	fs := gnuflag.NewFlagSet("apprun_worker", gnuflag.ContinueOnError)
	fs.StringVar(&c.TrustedHost, "trusted_host", c.TrustedHost, "host allowed to issue admin RPCs")
	fs.Int64Var(&c.CloneMaxOutstandingAPIRPCs, "clone_max_outstanding_api_rpcs", c.CloneMaxOutstandingAPIRPCs, "API-RPC concurrency cap for this clone")
	fs.IntVar(&c.ByteCountBeforeFlushing, "byte_count_before_flushing", c.ByteCountBeforeFlushing, "app-log flush size threshold, in bytes")
	fs.IntVar(&c.MaxLogLineSize, "max_log_line_size", c.MaxLogLineSize, "app-log line length cap, in bytes")
	fs.IntVar(&c.MaxLogFlushSeconds, "max_log_flush_seconds", c.MaxLogFlushSeconds, "app-log flush time threshold, in seconds")
	fs.IntVar(&c.MaxRuntimeLogPerRequest, "max_runtime_log_per_request", c.MaxRuntimeLogPerRequest, "runtime-log size cap per request, in bytes")
	fs.IntVar(&c.JettyHTTPPort, "jetty_http_port", c.JettyHTTPPort, "HTTP listen port")
	fs.StringVar(&c.FixedApplicationPath, "fixed_application_path", c.FixedApplicationPath, "path to a pre-unpacked application bundle")
	fs.BoolVar(&c.PollForNetwork, "poll_for_network", c.PollForNetwork, "wait for network availability before serving")
	fs.BoolVar(&c.DisableAPICallLogging, "disable_api_call_logging", c.DisableAPICallLogging, "suppress per-API-call log lines")
	return fs
}

// Parse parses argv (excluding the program name) into a CLI. Flags this
// runtime doesn't recognize are passed through rather than rejected, per
// spec.md §6's "unknown options are passed through (logged at warning)";
// gnuflag gives us the GNU triple form (--flag, --flag=true, --noflag) for
// the boolean flags, which the stdlib flag package can't express.
func Parse(argv []string) (CLI, []string) {
	cli := defaultCLI()
	remaining := append([]string(nil), argv...)
	var passthrough []string

	for {
		fs := newFlagSet(&cli)
		err := fs.Parse(true, remaining)
		if err == nil {
			break
		}
		name, ok := unknownFlagName(err)
		if !ok {
			log.Printf("config: flag parse error: %v", err)
			break
		}
		log.Printf("warning: unrecognized option %q passed through", name)
		passthrough = append(passthrough, name)
		remaining = dropFlagToken(remaining, name)
	}

	return cli, passthrough
}

// unknownFlagName extracts the offending flag name from a gnuflag
// "provided but not defined" parse error, tolerating either the stdlib
// flag package's "-name" form or a "--name" long form.
func unknownFlagName(err error) (string, bool) {
	const marker = "not defined: "
	msg := err.Error()
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	name := strings.TrimSpace(msg[idx+len(marker):])
	name = strings.TrimLeft(name, "-")
	if name == "" {
		return "", false
	}
	return name, true
}

// dropFlagToken removes the first argv token naming name (either
// "--name" or "--name=value") from args. Any separate value token that
// followed is left in place; flag.Parse/gnuflag stop consuming at the
// first unrecognized token, so it simply resurfaces as a later
// passthrough candidate or a harmless positional argument.
func dropFlagToken(args []string, name string) []string {
	for i, a := range args {
		trimmed := strings.TrimLeft(a, "-")
		if eq := strings.IndexByte(trimmed, '='); eq >= 0 {
			trimmed = trimmed[:eq]
		}
		if trimmed == name {
			out := make([]string, 0, len(args)-1)
			out = append(out, args[:i]...)
			out = append(out, args[i+1:]...)
			return out
		}
	}
	return args
}

// CloneSettings is spec.md §6's "CloneSettings applied over the wire":
// maxOutstandingApiRpcs plus per-package API default/max deadlines, each
// with a separate offline variant.
type CloneSettings struct {
	MaxOutstandingAPIRPCs int64

	APIDefaultDeadline        map[string]float64
	APIMaxDeadline            map[string]float64
	APIDefaultDeadlineOffline map[string]float64
	APIMaxDeadlineOffline     map[string]float64
}

// DecodeCloneSettings converts a wire map (as an applyCloneSettings RPC
// would deliver it, keyed by lowerCamelCase names such as
// "maxOutstandingApiRpcs") into a CloneSettings. Scalar fields are matched
// by converting each wire key to the Go field name with strcase.ToCamel;
// unrecognized keys are logged and otherwise ignored, matching the CLI
// surface's own "pass through unknown, don't fail" posture. The four
// deadline maps are copied through unchanged under their wire names.
func DecodeCloneSettings(wire map[string]interface{}) CloneSettings {
	var cs CloneSettings
	v := reflect.ValueOf(&cs).Elem()

	for key, val := range wire {
		switch key {
		case "apiDefaultDeadline":
			cs.APIDefaultDeadline = toFloatMap(val)
			continue
		case "apiMaxDeadline":
			cs.APIMaxDeadline = toFloatMap(val)
			continue
		case "apiDefaultDeadlineOffline":
			cs.APIDefaultDeadlineOffline = toFloatMap(val)
			continue
		case "apiMaxDeadlineOffline":
			cs.APIMaxDeadlineOffline = toFloatMap(val)
			continue
		}

		fieldName := strcase.ToCamel(key)
		// Go initialisms (APIRPCs) differ in case from strcase's output
		// (ApiRpcs), so the field is matched case-insensitively.
		f := v.FieldByNameFunc(func(n string) bool { return strings.EqualFold(n, fieldName) })
		if !f.IsValid() || !f.CanSet() {
			log.Printf("config: unrecognized CloneSettings field %q, ignoring", key)
			continue
		}
		if err := setScalar(f, val); err != nil {
			log.Printf("config: CloneSettings field %q: %v", key, err)
		}
	}

	return cs
}

func toFloatMap(val interface{}) map[string]float64 {
	raw, ok := val.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case int:
			out[k] = float64(n)
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				out[k] = f
			}
		}
	}
	return out
}

func setScalar(f reflect.Value, val interface{}) error {
	switch f.Kind() {
	case reflect.Int64, reflect.Int, reflect.Int32:
		switch n := val.(type) {
		case float64:
			f.SetInt(int64(n))
		case int64:
			f.SetInt(n)
		case string:
			i, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return err
			}
			f.SetInt(i)
		default:
			return fmt.Errorf("unsupported value type %T for int field", val)
		}
	case reflect.String:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("unsupported value type %T for string field", val)
		}
		f.SetString(s)
	case reflect.Bool:
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("unsupported value type %T for bool field", val)
		}
		f.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %v", f.Kind())
	}
	return nil
}

// apiRPCApplier is the subset of manager.Manager's API CloneSettings
// touches. Defined here (rather than importing manager directly) so
// config has no dependency on the request-lifecycle core; the transport
// package's apply_clone_settings route wires the two together.
type apiRPCApplier interface {
	ApplyMaxOutstandingAPIRPCs(n int64)
}

// ApplyTo pushes the parts of CloneSettings the manager package enforces
// at runtime (currently just the API-RPC concurrency cap) onto mgr. The
// per-package deadline maps are exposed for an engine implementation to
// consult directly; this runtime has no API-client package layer that
// reads them.
func (cs CloneSettings) ApplyTo(mgr apiRPCApplier) {
	if cs.MaxOutstandingAPIRPCs > 0 {
		mgr.ApplyMaxOutstandingAPIRPCs(cs.MaxOutstandingAPIRPCs)
	}
}
