package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a remote JobService
type Client struct {
	conn      grpc.ClientConnInterface
	closer    func() error
	principal string
}

// Dial connects to the job service at addr without transport security
func Dial(addr, principal string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c := NewClient(conn, principal)
	c.closer = conn.Close
	return c, nil
}

// NewClient wraps an established connection
func NewClient(conn grpc.ClientConnInterface, principal string) *Client {
	return &Client{conn: conn, principal: principal}
}

// Close closes a connection opened by Dial
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.principal == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, PrincipalHeader, c.principal)
}

func (c *Client) invoke(ctx context.Context, method string, in any) (map[string]any, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(c.outgoing(ctx), "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// QueueJob queues a job; req follows the QueueJob request layout
func (c *Client) QueueJob(ctx context.Context, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, "QueueJob", in)
}

// GetJobStatus fetches one job status
func (c *Client) GetJobStatus(ctx context.Context, id string) (map[string]any, error) {
	return c.invoke(ctx, "GetJobStatus", wrapperspb.String(id))
}

// ListJobs lists job statuses matching {job_key, states, limit}
func (c *Client) ListJobs(ctx context.Context, filter map[string]any) ([]any, error) {
	in, err := structpb.NewStruct(filter)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, "ListJobs", in)
	if err != nil {
		return nil, err
	}
	jobs, _ := out["jobs"].([]any)
	return jobs, nil
}
