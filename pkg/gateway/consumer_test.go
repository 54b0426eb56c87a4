package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/models"
)

type sinkCall struct {
	jobID   uuid.UUID
	payload []byte
	reason  string
}

// recordingSink captures what the consumer would hand the manager.
type recordingSink struct {
	sent   []sinkCall
	closed []sinkCall
}

func (r *recordingSink) Send(jobID uuid.UUID, payload []byte) {
	r.sent = append(r.sent, sinkCall{jobID: jobID, payload: payload})
}

func (r *recordingSink) Close(jobID uuid.UUID, reason string) {
	r.closed = append(r.closed, sinkCall{jobID: jobID, reason: reason})
}

func resultBody(t *testing.T, msg models.ResultMessage) []byte {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func TestRoute(t *testing.T) {
	jobID := uuid.New()

	t.Run("chunks are forwarded verbatim without closing", func(t *testing.T) {
		sink := &recordingSink{}
		c := &Consumer{sink: sink}

		body := resultBody(t, models.NewChunkResult(jobID, "The capital "))
		err := c.route(context.Background(), bus.Delivery{
			RoutingKey: models.KeyResultStreamingPrefix + "." + jobID.String(),
			Body:       body,
		})
		require.NoError(t, err)

		require.Len(t, sink.sent, 1)
		assert.Equal(t, jobID, sink.sent[0].jobID)
		assert.Equal(t, body, sink.sent[0].payload)
		assert.Empty(t, sink.closed)
	})

	t.Run("the final result closes the socket after delivery", func(t *testing.T) {
		sink := &recordingSink{}
		c := &Consumer{sink: sink}

		body := resultBody(t, models.NewFinalResult(jobID, "done"))
		require.NoError(t, c.route(context.Background(), bus.Delivery{
			RoutingKey: models.KeyResultFinal,
			Body:       body,
		}))

		require.Len(t, sink.sent, 1)
		assert.Equal(t, body, sink.sent[0].payload)
		require.Len(t, sink.closed, 1)
		assert.Equal(t, jobID, sink.closed[0].jobID)
		assert.Equal(t, "Job finished", sink.closed[0].reason)
	})

	t.Run("error results close the socket too", func(t *testing.T) {
		sink := &recordingSink{}
		c := &Consumer{sink: sink}

		body := resultBody(t, models.NewErrorResult(jobID, "Job was cancelled by the user."))
		require.NoError(t, c.route(context.Background(), bus.Delivery{
			RoutingKey: models.KeyResultError,
			Body:       body,
		}))

		require.Len(t, sink.sent, 1)
		require.Len(t, sink.closed, 1)
		assert.Equal(t, "Job finished", sink.closed[0].reason)
	})

	t.Run("malformed messages are dropped", func(t *testing.T) {
		sink := &recordingSink{}
		c := &Consumer{sink: sink}

		err := c.route(context.Background(), bus.Delivery{
			RoutingKey: models.KeyResultFinal,
			Body:       []byte("{not json"),
		})
		assert.ErrorIs(t, err, bus.ErrDrop)
		assert.Empty(t, sink.sent)
		assert.Empty(t, sink.closed)
	})

	t.Run("messages without a job id are dropped", func(t *testing.T) {
		sink := &recordingSink{}
		c := &Consumer{sink: sink}

		err := c.route(context.Background(), bus.Delivery{
			RoutingKey: models.KeyResultFinal,
			Body:       []byte(`{"status":"success","content":"orphaned"}`),
		})
		assert.ErrorIs(t, err, bus.ErrDrop)
		assert.Empty(t, sink.sent)
		assert.Empty(t, sink.closed)
	})
}

// TestRunDeliversFromBus drives the whole path: a result published on
// the bus reaches the client socket and the terminal message closes it.
func TestRunDeliversFromBus(t *testing.T) {
	h := newGateway(t)

	busCfg := config.DefaultBusConfig()
	busCfg.Block = 20 * time.Millisecond
	bc, err := bus.Connect(context.Background(), "redis://"+h.mr.Addr(), busCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bc.Close() })

	runCtx, stopRun := context.WithCancel(context.Background())
	t.Cleanup(stopRun)
	go NewConsumer(bc, h.manager).Run(runCtx)

	jobID := uuid.New()
	conn := h.dial(t, h.mint(t, jobID, uuid.New()))
	frames, errs := readAll(conn)
	h.waitActive(t, 1)

	// The exclusive group is created when Run subscribes; repeat the
	// chunk until the subscription picks it up.
	chunkKey := models.KeyResultStreamingPrefix + "." + jobID.String()
	require.Eventually(t, func() bool {
		if err := bc.Publish(context.Background(), models.ExchangeResults, chunkKey, models.NewChunkResult(jobID, "Hello ")); err != nil {
			return false
		}
		select {
		case frame := <-frames:
			var msg models.ResultMessage
			return json.Unmarshal(frame, &msg) == nil && msg.Content == "Hello "
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, bc.Publish(context.Background(), models.ExchangeResults, models.KeyResultFinal, models.NewFinalResult(jobID, "Hello world.")))

	// Drain any duplicate probe chunks until the final arrives.
	var final models.ResultMessage
	deadline := time.After(5 * time.Second)
	for !final.IsTerminal() {
		select {
		case frame := <-frames:
			require.NoError(t, json.Unmarshal(frame, &final))
		case <-deadline:
			t.Fatal("timed out waiting for the final result")
		}
	}
	assert.Equal(t, "Hello world.", final.Content)
	assert.Equal(t, models.ResultStatusSuccess, final.Status)

	ce := closedWith(t, errs)
	assert.Equal(t, websocket.StatusNormalClosure, ce.Code)
	assert.Equal(t, "Job finished", ce.Reason)
}
