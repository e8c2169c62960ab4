package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/screening-queue/internal/controller"
	"github.com/ChuLiYu/screening-queue/internal/decision"
	"github.com/ChuLiYu/screening-queue/internal/registry"
	"github.com/ChuLiYu/screening-queue/internal/store/memory"
	"github.com/ChuLiYu/screening-queue/internal/store/storetest"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var criteria = types.Criteria{Inclusion: []string{"adults"}, Exclusion: []string{"animal"}}

func startServer(t *testing.T) (*Client, *memory.Store) {
	t.Helper()

	st := memory.New()
	coord, err := controller.New(controller.Config{}, registry.NewMemory(), st, decision.Keyword{})
	require.NoError(t, err)
	require.NoError(t, coord.Start())

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(coord, nil).Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		assert.NoError(t, <-done)
		_ = coord.Stop(context.Background())
	})
	return NewClient(conn), st
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitAndStatus(t *testing.T) {
	client, st := startServer(t)
	ctx := testCtx(t)
	_, err := st.AddStudies(ctx, "job-1", storetest.Studies("job-1", 4))
	require.NoError(t, err)

	snap, err := client.SubmitJob(ctx, "job-1", criteria, nil)
	require.NoError(t, err)
	assert.Equal(t, types.JobID("job-1"), snap.ID)
	assert.Equal(t, 4, snap.TotalStudies)

	require.Eventually(t, func() bool {
		s, err := client.GetStatus(ctx, "job-1")
		return err == nil && s.Status == types.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	s, err := client.GetStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, s.Progress)
	require.Len(t, s.History, 1)
	assert.Equal(t, types.AttemptCompleted, s.History[0].Status)

	summary, err := client.GetSummary(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Total)
}

func TestSubmitWithExplicitTotal(t *testing.T) {
	client, _ := startServer(t)
	ctx := testCtx(t)

	total := 0
	snap, err := client.SubmitJob(ctx, "", criteria, &total)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ID)
}

func TestAgentStatusAndHealth(t *testing.T) {
	client, _ := startServer(t)
	ctx := testCtx(t)

	agents, err := client.GetAgentStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, agents.TotalAgents)
	assert.Len(t, agents.JobsByStatus, 4)

	h, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
}

func TestErrorCodes(t *testing.T) {
	client, _ := startServer(t)
	ctx := testCtx(t)
	zero := 0

	_, err := client.GetStatus(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetStatus(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.SubmitJob(ctx, "dup", criteria, &zero)
	require.NoError(t, err)
	_, err = client.SubmitJob(ctx, "dup", criteria, &zero)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = client.SubmitJob(ctx, "bad", types.Criteria{}, &zero)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	require.Eventually(t, func() bool {
		s, err := client.GetStatus(ctx, "dup")
		return err == nil && s.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)
	_, err = client.AbortJob(ctx, "dup", "late")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"not found", types.NewError(types.KindJobNotFound, "j", "get", nil), codes.NotFound},
		{"duplicate", types.NewError(types.KindDuplicateJob, "j", "create", nil), codes.AlreadyExists},
		{"permanent", types.Permanent("validate", errors.New("bad")), codes.InvalidArgument},
		{"transition", types.NewError(types.KindInvalidTransition, "j", "abort", nil), codes.FailedPrecondition},
		{"transient", types.Transient("count", errors.New("down")), codes.Unavailable},
		{"aborted", types.NewError(types.KindAborted, "j", "run", nil), codes.Aborted},
		{"stopped", controller.ErrStopped, codes.Unavailable},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"other", errors.New("boom"), codes.Internal},
		{"already a status", status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(ToStatus(tt.err)))
		})
	}
	assert.NoError(t, ToStatus(nil))
}

func TestStructRoundTrip(t *testing.T) {
	in := submitRequest{JobID: "j", Criteria: criteria}
	s, err := ToStruct(in)
	require.NoError(t, err)

	var out submitRequest
	require.NoError(t, FromStruct(s, &out))
	assert.Equal(t, in, out)
	assert.Nil(t, out.TotalStudies)
}
