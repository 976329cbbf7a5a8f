// Package httpapi serves the worker's plain HTTP endpoints next to /ws:
// health, paged message history and a submit endpoint for non-websocket
// producers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Avicted/chorus/internal/chat"
	"github.com/Avicted/chorus/internal/fabric"
	"github.com/Avicted/chorus/internal/message"
	"github.com/Avicted/chorus/internal/securelog"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 100
	maxLimit     = 1000
)

var errPageFull = errors.New("page full")

type Chat interface {
	Submit(ctx context.Context, token, content string) (message.AppendResult, error)
	Replay(ctx context.Context, after int64, fn func(message.Message) error) (int64, error)
	Latest(ctx context.Context) (int64, error)
}

// Status reports live worker state for /health.
type Status interface {
	ClientCount() int64
	Stats() fabric.Stats
}

type Handler struct {
	chat       Chat
	status     Status
	worker     int
	maxContent int
}

func NewHandler(chat Chat, status Status, worker, maxContent int) *Handler {
	return &Handler{chat: chat, status: status, worker: worker, maxContent: maxContent}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/messages", h.handleMessages)
}

type healthResponse struct {
	Status  string       `json:"status"`
	Worker  int          `json:"worker"`
	Clients int64        `json:"clients"`
	Fabric  fabric.Stats `json:"fabric"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Worker: h.worker}
	if h.status != nil {
		resp.Clients = h.status.ClientCount()
		resp.Fabric = h.status.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type messageResponse struct {
	Seq     int64  `json:"seq"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Messages []messageResponse `json:"messages"`
	Next     int64             `json:"next"`
}

type submitRequest struct {
	Token   string `json:"token"`
	Content string `json:"content"`
}

type submitResponse struct {
	Seq       int64 `json:"seq"`
	Duplicate bool  `json:"duplicate"`
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	if h.chat == nil {
		writeError(w, http.StatusInternalServerError, errors.New("chat service not configured"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.listMessages(w, r)
	case http.MethodPost:
		h.submitMessage(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// listMessages pages through the log: ?after=N&limit=M returns up to M
// messages with seq > N and the cursor for the next page.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, errors.New("after must be a non-negative integer"))
		return
	}
	limit, err := queryInt(r, "limit", defaultLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
		return
	}
	limit = min(limit, maxLimit)

	resp := messagesResponse{Messages: make([]messageResponse, 0, min(limit, defaultLimit)), Next: after}
	_, err = h.chat.Replay(r.Context(), after, func(m message.Message) error {
		resp.Messages = append(resp.Messages, messageResponse{Seq: m.Sequence, Content: m.Content})
		resp.Next = m.Sequence
		if int64(len(resp.Messages)) >= limit {
			return errPageFull
		}
		return nil
	})
	if err != nil && !errors.Is(err, errPageFull) {
		writeError(w, http.StatusServiceUnavailable, chat.ErrStoreUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) submitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}
	if h.maxContent > 0 && len(req.Content) > h.maxContent {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("content too large"))
		return
	}

	res, err := h.chat.Submit(r.Context(), req.Token, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, message.ErrTokenRequired):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusServiceUnavailable, chat.ErrStoreUnavailable)
		}
		return
	}

	status := http.StatusCreated
	if res.Outcome == message.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{Seq: res.Sequence, Duplicate: res.Outcome == message.Duplicate})
}

func queryInt(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	securelog.Error("httpapi", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
