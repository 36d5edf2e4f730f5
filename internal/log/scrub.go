package log

import (
	"encoding/json"
	"strings"
)

// scrubbableCreateProcess is the subset of a CreateProcess/
// CreateProcessUtilityVm payload (see protocol.CreateProcessRequest) that
// needs redaction before being logged at trace level: environment variable
// values and the command line may carry secrets passed through from the
// caller's shell.
type scrubbableCreateProcess struct {
	Environment []string `json:"environment,omitempty"`
	CommandLine []string `json:"commandLine,omitempty"`
}

// ScrubCreateProcess redacts environment variable values and command-line
// arguments from a JSON-encoded create-process payload before it is logged,
// leaving only the variable names and argv[0] visible. Any field the
// payload doesn't have is left untouched; unmarshal/marshal failures fall
// back to returning the input unchanged.
func ScrubCreateProcess(b []byte) ([]byte, error) {
	var v scrubbableCreateProcess
	if err := json.Unmarshal(b, &v); err != nil {
		return b, nil //nolint:nilerr // best-effort scrub; don't block logging on it
	}

	changed := false
	for i, kv := range v.Environment {
		if eq := strings.IndexByte(kv, '='); eq >= 0 {
			v.Environment[i] = kv[:eq] + "=<scrubbed>"
			changed = true
		}
	}
	if len(v.CommandLine) > 1 {
		for i := 1; i < len(v.CommandLine); i++ {
			v.CommandLine[i] = "<scrubbed>"
		}
		changed = true
	}
	if !changed {
		return b, nil
	}

	var full map[string]json.RawMessage
	if err := json.Unmarshal(b, &full); err != nil {
		return b, nil //nolint:nilerr
	}
	if _, ok := full["environment"]; ok {
		if enc, err := json.Marshal(v.Environment); err == nil {
			full["environment"] = enc
		}
	}
	if _, ok := full["commandLine"]; ok {
		if enc, err := json.Marshal(v.CommandLine); err == nil {
			full["commandLine"] = enc
		}
	}
	return json.Marshal(full)
}
