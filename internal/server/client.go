package server

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/screening-queue/internal/controller"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls ScreeningService.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, out any) error {
	in, err := ToStruct(req)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return err
	}
	return FromStruct(resp, out)
}

// SubmitJob creates a job. A nil total lets the server count the studies.
func (c *Client) SubmitJob(ctx context.Context, id types.JobID, criteria types.Criteria, total *int) (types.StatusSnapshot, error) {
	var out types.StatusSnapshot
	err := c.call(ctx, "SubmitJob", submitRequest{JobID: id, Criteria: criteria, TotalStudies: total}, &out)
	return out, err
}

// GetStatus returns the status of a job.
func (c *Client) GetStatus(ctx context.Context, id types.JobID) (types.StatusSnapshot, error) {
	var out types.StatusSnapshot
	err := c.call(ctx, "GetStatus", jobRequest{JobID: id}, &out)
	return out, err
}

// GetAgentStatus returns pool-wide counts.
func (c *Client) GetAgentStatus(ctx context.Context) (types.AgentStatus, error) {
	var out types.AgentStatus
	err := c.call(ctx, "GetAgentStatus", struct{}{}, &out)
	return out, err
}

// AbortJob aborts a job.
func (c *Client) AbortJob(ctx context.Context, id types.JobID, reason string) (types.StatusSnapshot, error) {
	var out types.StatusSnapshot
	err := c.call(ctx, "AbortJob", jobRequest{JobID: id, Reason: reason}, &out)
	return out, err
}

// GetSummary returns the summary of a completed job.
func (c *Client) GetSummary(ctx context.Context, id types.JobID) (types.Summary, error) {
	var out types.Summary
	err := c.call(ctx, "GetSummary", jobRequest{JobID: id}, &out)
	return out, err
}

// Health returns the server health document.
func (c *Client) Health(ctx context.Context) (controller.Health, error) {
	var out controller.Health
	err := c.call(ctx, "Health", struct{}{}, &out)
	return out, err
}
