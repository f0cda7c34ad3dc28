package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// heartbeatInterval はプロキシ切断を防ぐためのコメント送出間隔
const heartbeatInterval = 25 * time.Second

// handleEvents はサイトのイベントストリームをSSEで配信します。
// 切断中のイベントは再送されないため、クライアントは再接続後に
// RESTのstatus/resultで再同期してから購読を再開します。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	siteID := r.URL.Query().Get("siteId")
	if siteID == "" {
		writeError(w, http.StatusBadRequest, "siteId_required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	sub, err := s.bus.Subscribe(siteID)
	if err != nil {
		s.logger.Error("subscribe failed", "siteId", siteID, "error", err)
		writeError(w, http.StatusInternalServerError, "subscribe_failed")
		return
	}
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// 接続確認のための初期コメント
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("failed to encode event", "siteId", siteID, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
