package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Readm/memcoh/channel"
	"github.com/Readm/memcoh/codec"
	"github.com/Readm/memcoh/core"
)

// handleSocket serves Frames on one connection. Requests are answered in
// order. An OpWatch request turns the connection into a push stream of
// snapshots until the client goes away.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	s.register(conn)
	defer s.remove(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	watching := false
	for {
		var req channel.Frame
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warnf("websocket error: %v", err)
			}
			return
		}
		if watching {
			continue
		}
		if req.Op == channel.OpWatch {
			if err := s.startWatch(ctx, conn); err != nil {
				s.reply(conn, channel.Frame{ID: req.ID, Op: req.Op}, err)
				continue
			}
			watching = true
			continue
		}
		resp, err := s.serve(ctx, req)
		resp.ID, resp.Op = req.ID, req.Op
		if !s.reply(conn, resp, err) {
			return
		}
	}
}

func (s *Server) serve(ctx context.Context, req channel.Frame) (channel.Frame, error) {
	switch req.Op {
	case channel.OpFetch:
		snap, err := s.ch.Fetch(ctx)
		if err != nil {
			return channel.Frame{}, err
		}
		return snapshotFrame(snap)
	case channel.OpPublish:
		snap, issues := codec.Decode([]byte(req.Body))
		if len(issues) > 0 {
			return channel.Frame{}, issues[0]
		}
		snap.Version = req.Version
		stored, err := s.ch.Publish(ctx, snap)
		if err != nil {
			return channel.Frame{}, err
		}
		return channel.Frame{Version: stored.Version}, nil
	case channel.OpGet:
		value, rev, ok, err := s.store.Get(ctx, req.Key)
		return channel.Frame{Key: req.Key, Value: value, Rev: rev, Found: ok}, err
	case channel.OpPut:
		applied, err := s.store.Put(ctx, req.Key, req.Value, req.Rev)
		return channel.Frame{Key: req.Key, Applied: applied}, err
	case channel.OpDelete:
		return channel.Frame{Key: req.Key}, s.store.Delete(ctx, req.Key)
	default:
		return channel.Frame{}, errUnknownOp(req.Op)
	}
}

// startWatch pushes every new snapshot to conn from a dedicated goroutine,
// which from then on is the connection's only writer.
func (s *Server) startWatch(ctx context.Context, conn *websocket.Conn) error {
	updates, err := channel.Watch(ctx, s.ch, s.poll)
	if err != nil {
		return err
	}
	go func() {
		for snap := range updates {
			f, err := snapshotFrame(snap)
			if err != nil {
				s.log.Errorf("encode snapshot %d: %v", snap.Version, err)
				continue
			}
			f.Op = channel.OpSnapshot
			if err := conn.WriteJSON(f); err != nil {
				s.remove(conn)
				return
			}
		}
	}()
	return nil
}

func snapshotFrame(snap core.Snapshot) (channel.Frame, error) {
	body, err := codec.Encode(snap)
	if err != nil {
		return channel.Frame{}, err
	}
	return channel.Frame{Version: snap.Version, Body: string(body)}, nil
}

// reply writes resp, or the error it carries, and reports whether the
// connection is still usable.
func (s *Server) reply(conn *websocket.Conn, resp channel.Frame, err error) bool {
	code := "ok"
	if err != nil {
		resp = channel.Frame{ID: resp.ID, Op: resp.Op, Code: channel.ErrorCode(err), Error: err.Error()}
		code = resp.Code
	}
	frames.WithLabelValues(s.name, resp.Op, code).Inc()
	if werr := conn.WriteJSON(resp); werr != nil {
		s.log.Warnf("websocket write: %v", werr)
		return false
	}
	return true
}

func (s *Server) register(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[conn] = struct{}{}
}

func (s *Server) remove(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		conn.Close()
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

type errUnknownOp string

func (e errUnknownOp) Error() string {
	return "unknown op " + string(e)
}
