// Package cachekey derives a cache key for a Job from its canonical
// serialization: schema tag, job name, step descriptors, sorted environment,
// sorted tool versions, and input content digest (spec.md §4.4). Any change
// to these fields changes the key; the digest is stable otherwise.
package cachekey

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"sort"

	"github.com/ratchet-ci/ratchet/internal/workflow"
)

// schemaTag versions the canonical serialization format itself. Bump it
// whenever the serialization changes shape, never the digest algorithm in
// place, so a schema change is independently detectable from a content
// change.
const schemaTag = "ratchet-key-v1"

// toolVersionAbsentSentinel stands in for a tool whose version could not be
// resolved, so an unresolved tool still participates deterministically in
// the key rather than silently changing serialization shape.
const toolVersionAbsentSentinel = "<absent>"

// defaultStepDir is the canonical form for a step with no declared working
// directory (spec.md §4.4 item 2).
const defaultStepDir = "."

// Inputs is everything the Key Deriver needs for one job: the job
// definition, the resolved tool versions it depends on (by tool name), and
// the content digest of its Inputs globs (from internal/hashing).
type Inputs struct {
	Job          workflow.Job
	ToolVersions map[string]string
	InputDigest  string
}

// Derive computes the hex-encoded SHA-256 cache key for one job invocation.
func Derive(in Inputs) string {
	h := sha256.New()

	writeString(h, schemaTag)
	writeString(h, in.Job.Name)

	for _, step := range in.Job.Steps {
		writeString(h, step.Kind)
		writeString(h, step.Name)
		writeString(h, step.Command)
		dir := step.Dir
		if dir == "" {
			dir = defaultStepDir
		}
		writeString(h, dir)
		writeStringMap(h, step.With)
	}

	env := make([]workflow.EnvVar, len(in.Job.Env))
	copy(env, in.Job.Env)
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })
	for _, e := range env {
		writeString(h, e.Name)
		writeString(h, e.Value)
	}

	tools := make([]string, 0, len(in.Job.Requires))
	tools = append(tools, in.Job.Requires...)
	sort.Strings(tools)
	for _, tool := range tools {
		writeString(h, tool)
		version, ok := in.ToolVersions[tool]
		if !ok || version == "" {
			version = toolVersionAbsentSentinel
		}
		writeString(h, version)
	}

	writeString(h, in.InputDigest)

	return hex.EncodeToString(h.Sum(nil))
}

// writeString absorbs a length-prefixed string so adjacent fields can never
// be confused for one another regardless of content.
func writeString(h io.Writer, s string) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write([]byte(s))
}

// writeStringMap absorbs a map in key-sorted order so serialization is
// independent of Go's randomized map iteration.
func writeStringMap(h io.Writer, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var countBuf [8]byte
	binary.BigEndian.PutUint64(countBuf[:], uint64(len(keys)))
	_, _ = h.Write(countBuf[:])

	for _, k := range keys {
		writeString(h, k)
		writeString(h, m[k])
	}
}
