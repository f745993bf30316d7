package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics are process-lifetime counters served as JSON on /metrics.
type Metrics struct {
	uploadsInitiated atomic.Uint64
	chunksReceived   atomic.Uint64
	chunkBytes       atomic.Uint64
	filesAssembled   atomic.Uint64
	downloads        atomic.Uint64
	messagesSent     atomic.Uint64
	roomsCreated     atomic.Uint64
	rateLimited      atomic.Uint64
	activeConns      atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncUploadInitiated() {
	m.uploadsInitiated.Add(1)
}

func (m *Metrics) AddChunk(size int) {
	m.chunksReceived.Add(1)
	m.chunkBytes.Add(uint64(size))
}

func (m *Metrics) IncAssembled() {
	m.filesAssembled.Add(1)
}

func (m *Metrics) IncDownload() {
	m.downloads.Add(1)
}

func (m *Metrics) IncMessage() {
	m.messagesSent.Add(1)
}

func (m *Metrics) IncRoomCreated() {
	m.roomsCreated.Add(1)
}

func (m *Metrics) IncRateLimited() {
	m.rateLimited.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) snapshot() map[string]any {
	return map[string]any{
		"uploads_initiated_total": m.uploadsInitiated.Load(),
		"chunks_received_total":   m.chunksReceived.Load(),
		"chunk_bytes_total":       m.chunkBytes.Load(),
		"files_assembled_total":   m.filesAssembled.Load(),
		"downloads_total":         m.downloads.Load(),
		"messages_sent_total":     m.messagesSent.Load(),
		"rooms_created_total":     m.roomsCreated.Load(),
		"rate_limited_total":      m.rateLimited.Load(),
		"active_connections":      m.activeConns.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.snapshot())
}
