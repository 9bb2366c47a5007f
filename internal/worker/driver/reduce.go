package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// feedReduce delivers reduce input batches to the child's stdin with
// explicit backpressure. Writes to the pipe block until the child has
// consumed them, so returning from the write loop is the drain signal:
// the driver then commits the first key and count of the just-drained
// batch and only afterwards long-polls the agent for the next batch,
// which must belong to the same task. The final batch closes the
// stream.
func (d *Driver) feedReduce(ctx context.Context, st *taskState, w *io.PipeWriter) error {
	defer w.Close()

	keys := st.desc.InputKeys
	done := st.desc.InputDone
	for {
		if len(keys) > 0 {
			for _, key := range keys {
				if err := d.feedKey(ctx, st, w, key); err != nil {
					w.CloseWithError(err)
					return err
				}
			}
			if st.finalized.Load() {
				return nil
			}
			if err := d.agent.CommitBatch(ctx, keys[0], len(keys)); err != nil {
				return fmt.Errorf("failed to commit batch: %w", err)
			}
		}
		if done {
			return nil
		}

		next, err := d.agent.FetchTask(ctx)
		if err != nil {
			return err
		}
		if next.TaskID != st.desc.TaskID {
			return fmt.Errorf("agent returned batch for task %s while running %s", next.TaskID, st.desc.TaskID)
		}
		keys = next.InputKeys
		done = next.InputDone
	}
}

// feedKey writes one input object into the stream. Remote keys are
// fetched through the per-host client cache; local keys are delivered
// as key names for the child to resolve.
func (d *Driver) feedKey(ctx context.Context, st *taskState, w io.Writer, key string) error {
	if st.desc.InputRemote == "" {
		if _, err := io.WriteString(w, key+"\n"); err != nil {
			return pipeErr(key, err)
		}
		return nil
	}

	body, err := d.streams.Fetch(ctx, st.desc.InputRemote, key)
	if err != nil {
		return err
	}
	defer body.Close()
	if _, err := io.Copy(w, body); err != nil {
		return pipeErr(key, err)
	}
	return nil
}

func pipeErr(key string, err error) error {
	if errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return fmt.Errorf("failed to deliver input %s: %w", key, err)
}
