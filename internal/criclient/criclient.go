// Copyright 2026 The Kata Pulse Authors
// SPDX-License-Identifier: Apache-2.0

// Package criclient is a thin client for the container-runtime
// control-plane's ListPodSandbox RPC, dialed over a Unix domain socket.
// The Discovery Reconciler is the sole caller; the client is a single
// long-lived connection, re-dialed only on loss.
package criclient

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

// Sandbox is one pod sandbox as reported by the control plane.
type Sandbox struct {
	ID        string
	PodName   string
	Namespace string
	PodUID    string
	Ready     bool
}

// Client wraps a single gRPC connection to a CRI runtime endpoint.
type Client struct {
	endpoint string
	conn     *grpc.ClientConn
	runtime  runtimeapi.RuntimeServiceClient
}

// Dial connects to endpoint, a Unix socket path (optionally prefixed
// with "unix://"). ctx is not used: grpc.NewClient connects lazily, on
// the first RPC, and the underlying gRPC connection re-establishes
// itself after a loss without another call to Dial.
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	socketPath := strings.TrimPrefix(endpoint, "unix://")

	conn, err := grpc.NewClient(
		"unix:"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing CRI endpoint %q: %w", endpoint, err)
	}

	return &Client{
		endpoint: endpoint,
		conn:     conn,
		runtime:  runtimeapi.NewRuntimeServiceClient(conn),
	}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ListPodSandboxes returns every pod sandbox the control plane currently
// knows about, ready or not — callers decide eligibility.
func (c *Client) ListPodSandboxes(ctx context.Context) ([]Sandbox, error) {
	resp, err := c.runtime.ListPodSandbox(ctx, &runtimeapi.ListPodSandboxRequest{})
	if err != nil {
		return nil, fmt.Errorf("ListPodSandbox on %q: %w", c.endpoint, err)
	}

	out := make([]Sandbox, 0, len(resp.Items))
	for _, item := range resp.Items {
		sandbox := Sandbox{
			ID:    item.GetId(),
			Ready: item.GetState() == runtimeapi.PodSandboxState_SANDBOX_READY,
		}
		if metadata := item.GetMetadata(); metadata != nil {
			sandbox.PodName = metadata.GetName()
			sandbox.Namespace = metadata.GetNamespace()
			sandbox.PodUID = metadata.GetUid()
		}
		out = append(out, sandbox)
	}
	return out, nil
}

// DialTimeout is the timeout main applies to the context it passes to
// Dial. Dial does not read that context, so the timeout does not bound
// connection setup; each RPC is bounded by its own context.
const DialTimeout = 10 * time.Second
