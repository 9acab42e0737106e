package channel

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Readm/memcoh/codec"
	"github.com/Readm/memcoh/core"
	"github.com/Readm/memcoh/logging"
	"github.com/Readm/memcoh/payload"
)

// DefaultRemoteTimeout bounds a remote call whose context has no deadline.
const DefaultRemoteTimeout = 5 * time.Second

// Remote is a client stub for a directory server reached over websocket. It
// serves both as the shared state channel and as the backing payload store.
// Calls are serialized over one lazily dialed connection, which is dropped
// and redialed after any transport error.
type Remote struct {
	url     string
	timeout time.Duration
	dialer  *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
	closed bool
}

var (
	_ Channel       = (*Remote)(nil)
	_ Watcher       = (*Remote)(nil)
	_ payload.Store = (*Remote)(nil)
)

// NewRemote creates a client for the server websocket endpoint at url
// (for example ws://127.0.0.1:7070/ws). No connection is made until the
// first call.
func NewRemote(url string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	return &Remote{
		url:     url,
		timeout: timeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
	}
}

func (r *Remote) Fetch(ctx context.Context) (core.Snapshot, error) {
	resp, err := r.do(ctx, Frame{Op: OpFetch})
	if err != nil {
		return core.Snapshot{}, err
	}
	snap := decode(r.url, []byte(resp.Body))
	snap.Version = resp.Version
	return snap, nil
}

func (r *Remote) Publish(ctx context.Context, snap core.Snapshot) (core.Snapshot, error) {
	body, err := codec.Encode(snap)
	if err != nil {
		return core.Snapshot{}, err
	}
	resp, err := r.do(ctx, Frame{Op: OpPublish, Version: snap.Version, Body: string(body)})
	if err != nil {
		return core.Snapshot{}, err
	}
	next := snap.Clone()
	next.Version = resp.Version
	return next, nil
}

func (r *Remote) Get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	resp, err := r.do(ctx, Frame{Op: OpGet, Key: key})
	if err != nil {
		return nil, 0, false, err
	}
	return resp.Value, resp.Rev, resp.Found, nil
}

func (r *Remote) Put(ctx context.Context, key string, value []byte, rev int64) (bool, error) {
	resp, err := r.do(ctx, Frame{Op: OpPut, Key: key, Value: value, Rev: rev})
	if err != nil {
		return false, err
	}
	return resp.Applied, nil
}

func (r *Remote) Delete(ctx context.Context, key string) error {
	_, err := r.do(ctx, Frame{Op: OpDelete, Key: key})
	return err
}

// Watch opens a dedicated connection on which the server pushes every
// published snapshot, the current one first.
func (r *Remote) Watch(ctx context.Context) (<-chan core.Snapshot, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.timeout)
	conn, _, err := r.dialer.DialContext(dialCtx, r.url, nil)
	cancel()
	if err != nil {
		return nil, unavailable(fmt.Errorf("dial %s: %w", r.url, err))
	}
	if err := conn.WriteJSON(Frame{Op: OpWatch}); err != nil {
		conn.Close()
		return nil, unavailable(err)
	}

	out := make(chan core.Snapshot, 1)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				if ctx.Err() == nil {
					logging.GetLogger().Warnf("remote watch %s: %v", r.url, err)
				}
				return
			}
			if f.Op != OpSnapshot {
				continue
			}
			snap := decode(r.url, []byte(f.Body))
			snap.Version = f.Version
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.dropLocked()
}

func (r *Remote) do(ctx context.Context, req Frame) (Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Frame{}, fmt.Errorf("%w: remote channel closed", core.ErrChannelUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, unavailable(err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(r.timeout)
	}

	if r.conn == nil {
		dialCtx, cancel := context.WithDeadline(ctx, deadline)
		conn, _, err := r.dialer.DialContext(dialCtx, r.url, nil)
		cancel()
		if err != nil {
			return Frame{}, unavailable(fmt.Errorf("dial %s: %w", r.url, err))
		}
		r.conn = conn
	}

	r.nextID++
	req.ID = r.nextID
	r.conn.SetWriteDeadline(deadline)
	if err := r.conn.WriteJSON(req); err != nil {
		r.dropLocked()
		return Frame{}, unavailable(fmt.Errorf("%s %s: %w", req.Op, r.url, err))
	}
	for {
		r.conn.SetReadDeadline(deadline)
		var resp Frame
		if err := r.conn.ReadJSON(&resp); err != nil {
			r.dropLocked()
			return Frame{}, unavailable(fmt.Errorf("%s %s: %w", req.Op, r.url, err))
		}
		if resp.ID != req.ID {
			// reply to an earlier call that timed out
			continue
		}
		return resp, resp.Err()
	}
}

func (r *Remote) dropLocked() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
