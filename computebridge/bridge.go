// Package computebridge provides a blocking, globally-serialized call into
// the embedded compute runtime that renders plots and runs LLM queries.
// Construction of the runtime itself lives with the embedding process; this
// package provides the typed request/response contract and the
// serialization guarantee around it.
package computebridge

import "strings"

// Request is the payload sent to the compute runtime.
type Request struct {
	MessageID         string
	Key               string
	SravzIDs          string
	Codes             string
	DfParquetFilePath string
	JSONKeys          []string
	LLMQuery          string
}

// Response supersedes the Request on success; fields may be populated or
// updated by the runtime.
type Response struct {
	MessageID string
	Key       string
	Output    string
}

// Failure carries a compute-runtime exception, including its full
// traceback.
type Failure struct {
	Message string
	Trace   []string
}

func (f *Failure) Error() string {
	return f.Message
}

// Flatten renders the failure as the wire-facing exception text: the
// message first, then every traceback line verbatim.
func (f *Failure) Flatten() string {
	if len(f.Trace) == 0 {
		return f.Message
	}
	return f.Message + "\n" + strings.Join(f.Trace, "\n")
}

// Runtime is the black-box callable the embedded compute runtime provides.
// It may write files under the worker's temp dir (plots land at
// <temp>/<key>.png) as a side effect of a call.
type Runtime interface {
	Run(req Request) (Response, error)
}
