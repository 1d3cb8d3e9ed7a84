// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hashclient is the Go client for hashserv. A Client holds one
// persistent connection; calls on it are serialized.
package hashclient

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/hashserv/lib/equivalence"
	"github.com/bureau-foundation/hashserv/lib/hashproto"
	"github.com/bureau-foundation/hashserv/lib/service"
)

// Client talks to one hashserv instance.
type Client struct {
	stream *service.StreamClient
}

// Dial connects to address ("tcp://host:port", "host:port", or
// "unix:///path") and performs the handshake.
func Dial(ctx context.Context, address string) (*Client, error) {
	stream, err := service.Dial(ctx, address, hashproto.Capabilities)
	if err != nil {
		return nil, err
	}
	return &Client{stream: stream}, nil
}

// Server returns the server identification from the handshake.
func (c *Client) Server() string {
	return c.stream.Server().Server
}

// Get returns the unihash recorded for (method, taskhash). found is
// false for a task nobody has reported.
func (c *Client) Get(ctx context.Context, method, taskhash string) (unihash string, found bool, err error) {
	var response hashproto.GetResponse
	err = c.stream.Call(ctx, hashproto.ActionGet, map[string]any{
		"method":   method,
		"taskhash": taskhash,
	}, &response)
	if err != nil {
		return "", false, err
	}
	if response.Unihash == nil {
		return "", false, nil
	}
	return *response.Unihash, true, nil
}

// Report records report and returns the unihash the caller must use.
func (c *Client) Report(ctx context.Context, report equivalence.Report) (string, error) {
	request := hashproto.NewReportRequest(report)
	fields := map[string]any{
		"method":   request.Method,
		"taskhash": request.TaskHash,
		"outhash":  request.OutHash,
	}
	optional := map[string]string{
		"unihash":         request.Unihash,
		"owner":           request.Owner,
		"PN":              request.PN,
		"PV":              request.PV,
		"PR":              request.PR,
		"task":            request.Task,
		"outhash_siginfo": request.OutHashSigInfo,
	}
	for key, value := range optional {
		if value != "" {
			fields[key] = value
		}
	}

	var response hashproto.ReportResponse
	if err := c.stream.Call(ctx, hashproto.ActionReport, fields, &response); err != nil {
		return "", err
	}
	if response.Unihash == "" {
		return "", fmt.Errorf("report response for %s has no unihash", report.TaskHash)
	}
	return response.Unihash, nil
}

// Stats returns store and server counters.
func (c *Client) Stats(ctx context.Context) (hashproto.StatsResponse, error) {
	var response hashproto.StatsResponse
	if err := c.stream.Call(ctx, hashproto.ActionStats, nil, &response); err != nil {
		return hashproto.StatsResponse{}, err
	}
	return response, nil
}

// Close sends quit and closes the connection.
func (c *Client) Close() error {
	return c.stream.Close()
}
