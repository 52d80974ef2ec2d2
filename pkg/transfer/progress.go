/*
Copyright 2013 The Camlistore Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transfer

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Open-Workshop/open-workshop-storage/pkg/jobs"
)

const (
	wsWriteWait     = 10 * time.Second
	wsPongWait      = 60 * time.Second
	wsPingPeriod    = (wsPongWait * 9) / 10
	wsMaxReadBytes  = 4 << 10
	wsSendQueueSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSubscriber adapts one websocket connection into a jobs.Subscriber.
// Unlike the search package's wsHub/wsConn (pkg/search/websocket.go),
// which is one hub for the whole process with a blocking per-conn send
// channel, this is a per-job, per-connection object whose Send never
// blocks the registry: a full outbound queue drops the connection
// rather than back-pressuring the job's broadcaster.
type wsSubscriber struct {
	jobID  string
	ws     *websocket.Conn
	send   chan []byte
	reg    *jobs.Registry
	closed chan struct{}
}

// Send implements jobs.Subscriber. It must not block; an overflowing
// queue means this subscriber is too slow and gets dropped instead of
// stalling every other subscriber of the same job.
func (c *wsSubscriber) Send(ev jobs.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("job_id", c.jobID).Msg("marshal progress event")
		return
	}
	select {
	case c.send <- b:
	default:
		log.Warn().Str("job_id", c.jobID).Msg("dropping slow progress subscriber")
		c.drop()
	}
}

func (c *wsSubscriber) drop() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
		c.reg.RemoveSubscriber(c.jobID, c)
	}
}

func (c *wsSubscriber) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readPump discards inbound frames (the socket is read-only from the
// client's perspective per spec.md §4.7) but keeps reading so pong
// frames update the read deadline and a client-initiated close is
// observed promptly.
func (c *wsSubscriber) readPump() {
	defer func() {
		c.reg.RemoveSubscriber(c.jobID, c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(wsMaxReadBytes)
	c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// ServeProgressWS upgrades req to a websocket bound to jobID, requires
// that the caller has already authenticated the transfer token and
// confirmed its job_id claim matches jobID (done by the HTTP handler
// before calling this), sends the initial snapshot, then pumps events
// until the client disconnects.
func ServeProgressWS(reg *jobs.Registry, jobID string, w http.ResponseWriter, r *http.Request) error {
	snap, err := reg.Snapshot(jobID)
	if err != nil {
		return err
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &wsSubscriber{
		jobID:  jobID,
		ws:     ws,
		send:   make(chan []byte, wsSendQueueSize),
		reg:    reg,
		closed: make(chan struct{}),
	}

	// Initial snapshot is delivered before any subsequent event, per
	// spec.md §5's subscriber-ordering guarantee: it is queued before
	// AddSubscriber makes c visible to broadcastLocked.
	c.Send(jobs.Event{
		Type:   "progress",
		Bytes:  currentBytes(snap),
		Total:  snap.TotalBytes,
		Stage:  snap.Stage,
		Status: snap.Status,
	})
	if err := reg.AddSubscriber(jobID, c); err != nil {
		ws.Close()
		return err
	}

	go c.writePump()
	c.readPump()
	return nil
}

func currentBytes(m jobs.Meta) int64 {
	if m.Stage == jobs.StageUploading {
		return m.UploadBytes
	}
	return m.DownloadedBytes
}
