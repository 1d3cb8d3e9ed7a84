// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hashproto defines the request and response bodies of the
// hashserv actions. The envelope (action routing, ok/error, handshake)
// belongs to lib/service; this package only describes what goes inside
// it for get, report, and stats.
package hashproto

import "github.com/bureau-foundation/hashserv/lib/equivalence"

// Action names.
const (
	ActionGet    = "get"
	ActionReport = "report"
	ActionStats  = "stats"
)

// Capabilities advertised in the handshake.
var Capabilities = []string{ActionGet, ActionReport, ActionStats}

// GetRequest asks for the unihash of a task.
type GetRequest struct {
	Method   string `cbor:"method"`
	TaskHash string `cbor:"taskhash"`
}

// GetResponse carries a nil Unihash (CBOR null) for an unknown task.
type GetResponse struct {
	Method   string  `cbor:"method"`
	TaskHash string  `cbor:"taskhash"`
	Unihash  *string `cbor:"unihash"`
}

// ReportRequest records that TaskHash produced OutHash. The optional
// fields follow the bitbake client's key names.
type ReportRequest struct {
	Method         string `cbor:"method"`
	TaskHash       string `cbor:"taskhash"`
	OutHash        string `cbor:"outhash"`
	Unihash        string `cbor:"unihash,omitempty"`
	Owner          string `cbor:"owner,omitempty"`
	PN             string `cbor:"PN,omitempty"`
	PV             string `cbor:"PV,omitempty"`
	PR             string `cbor:"PR,omitempty"`
	Task           string `cbor:"task,omitempty"`
	OutHashSigInfo string `cbor:"outhash_siginfo,omitempty"`
}

// Report converts the request into the resolver's input.
func (r ReportRequest) Report() equivalence.Report {
	return equivalence.Report{
		Method:   r.Method,
		TaskHash: r.TaskHash,
		OutHash:  r.OutHash,
		Unihash:  r.Unihash,
		Owner:    r.Owner,
		Metadata: equivalence.Metadata{
			PN:             r.PN,
			PV:             r.PV,
			PR:             r.PR,
			Task:           r.Task,
			OutHashSigInfo: r.OutHashSigInfo,
		},
	}
}

// NewReportRequest is the inverse of ReportRequest.Report.
func NewReportRequest(report equivalence.Report) ReportRequest {
	return ReportRequest{
		Method:         report.Method,
		TaskHash:       report.TaskHash,
		OutHash:        report.OutHash,
		Unihash:        report.Unihash,
		Owner:          report.Owner,
		PN:             report.Metadata.PN,
		PV:             report.Metadata.PV,
		PR:             report.Metadata.PR,
		Task:           report.Metadata.Task,
		OutHashSigInfo: report.Metadata.OutHashSigInfo,
	}
}

// ReportResponse carries the class unihash the client must adopt.
type ReportResponse struct {
	Method   string `cbor:"method"`
	TaskHash string `cbor:"taskhash"`
	Unihash  string `cbor:"unihash"`
}

// StatsResponse combines store counts and server counters.
type StatsResponse struct {
	Records uint64 `cbor:"records"`
	Classes uint64 `cbor:"classes"`

	Connections ConnectionStats   `cbor:"connections"`
	Requests    map[string]uint64 `cbor:"requests"`

	// PendingClasses is the number of classes with a report in
	// progress or queued.
	PendingClasses int `cbor:"pending_classes"`

	UptimeSeconds float64 `cbor:"uptime_seconds"`
	Version       string  `cbor:"version"`
}

// ConnectionStats counts stream connections.
type ConnectionStats struct {
	Current int64  `cbor:"current"`
	Total   uint64 `cbor:"total"`
}
