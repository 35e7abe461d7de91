package collective

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// RendezvousServer lets the ranks of an HTTPGroup meet. One process in
// the job serves it; every rank, that process included, talks to it over HTTP.
//
// Routes:
//
//	POST /v1/rounds/{seq}/slots/{slot}   post one envelope
//	POST /v1/rounds/{seq}/slots          post one envelope per rank
//	GET  /v1/rounds/{seq}/slots?slot=N   wait for slots (all if none listed)
//	GET  /healthz
type RendezvousServer struct {
	board  *board
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewRendezvousServer creates a server for a group of size ranks.
func NewRendezvousServer(size int, logger *slog.Logger) *RendezvousServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RendezvousServer{
		board:  newBoard(size),
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/rounds/{seq}/slots/{slot}", s.handlePost)
	s.mux.HandleFunc("POST /v1/rounds/{seq}/slots", s.handlePostAll)
	s.mux.HandleFunc("GET /v1/rounds/{seq}/slots", s.handleAwait)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *RendezvousServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close releases every waiting request with ErrGroupClosed.
func (s *RendezvousServer) Close() {
	s.board.close()
}

// Pending returns the number of rounds still waiting on ranks.
func (s *RendezvousServer) Pending() int {
	return s.board.pending()
}

// errorBody is the JSON body of a failed rendezvous request.
type errorBody struct {
	Error    string `json:"error"`
	Mismatch bool   `json:"mismatch,omitempty"`
}

func (s *RendezvousServer) handlePost(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	slot, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("slot: %w", err))
		return
	}
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode envelope: %w", err))
		return
	}
	if err := s.board.post(r.Context(), key, slot, env); err != nil {
		s.fail(w, key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RendezvousServer) handlePostAll(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var envs []Envelope
	if err := json.NewDecoder(r.Body).Decode(&envs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode envelopes: %w", err))
		return
	}
	if err := s.board.postAll(r.Context(), key, envs); err != nil {
		s.fail(w, key, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RendezvousServer) handleAwait(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var slots []int
	for _, v := range r.URL.Query()["slot"] {
		slot, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("slot: %w", err))
			return
		}
		slots = append(slots, slot)
	}

	envs, err := s.board.await(r.Context(), key, slots)
	if err != nil {
		s.fail(w, key, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envs)
}

func (s *RendezvousServer) fail(w http.ResponseWriter, key roundKey, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrParticipationMismatch):
		status = http.StatusConflict
		s.logger.Warn("rendezvous participation mismatch",
			slog.Uint64("seq", key.Seq),
			slog.String("round", key.Name),
			slog.String("error", err.Error()),
		)
	case errors.Is(err, ErrInvalidRank):
		status = http.StatusBadRequest
	case errors.Is(err, ErrGroupClosed):
		status = http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:    err.Error(),
		Mismatch: errors.Is(err, ErrParticipationMismatch),
	})
}

func parseKey(r *http.Request) (roundKey, error) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		return roundKey{}, fmt.Errorf("seq: %w", err)
	}
	q := r.URL.Query()
	size, err := strconv.Atoi(q.Get("size"))
	if err != nil {
		return roundKey{}, fmt.Errorf("size: %w", err)
	}
	root, err := strconv.Atoi(q.Get("root"))
	if err != nil {
		return roundKey{}, fmt.Errorf("root: %w", err)
	}
	k := kind(q.Get("kind"))
	if k != kindGather && k != kindScatter {
		return roundKey{}, fmt.Errorf("unknown round kind %q", k)
	}
	return roundKey{Seq: seq, Name: q.Get("name"), Kind: k, Size: size, Root: root}, nil
}

// HTTPGroupConfig configures one rank of an HTTPGroup.
type HTTPGroupConfig struct {
	// Rank is this process's rank.
	Rank int
	// Size is the number of ranks in the job.
	Size int
	// Addr is the rendezvous server base URL, e.g. "http://10.0.0.1:29500".
	Addr string
	// Client is the HTTP client. Defaults to a client without a timeout,
	// since waits are long polls bounded by the caller's context.
	Client *http.Client
	// Retry controls retries of transient failures. Zero means DefaultRetry.
	Retry RetryConfig
}

// HTTPGroup is one rank of a multi-process group that meets on a
// RendezvousServer.
type HTTPGroup struct {
	member
	client *httpExchange
}

// Compile-time interface check.
var _ Group = (*HTTPGroup)(nil)

// NewHTTPGroup creates the group handle for one rank.
func NewHTTPGroup(cfg HTTPGroupConfig) (*HTTPGroup, error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("%w: group size %d", ErrInvalidRank, cfg.Size)
	}
	if cfg.Rank < 0 || cfg.Rank >= cfg.Size {
		return nil, fmt.Errorf("%w: rank %d for group of %d", ErrInvalidRank, cfg.Rank, cfg.Size)
	}
	base, err := url.Parse(strings.TrimRight(cfg.Addr, "/"))
	if err != nil {
		return nil, fmt.Errorf("rendezvous address: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("rendezvous address %q: scheme and host required", cfg.Addr)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetry
	}

	x := &httpExchange{base: base, client: cfg.Client, retry: cfg.Retry}
	g := &HTTPGroup{client: x}
	g.rank = cfg.Rank
	g.size = cfg.Size
	g.x = x
	return g, nil
}

// Ping waits until the rendezvous server answers, retrying while it is
// not yet reachable.
func (g *HTTPGroup) Ping(ctx context.Context) error {
	_, err := withRetry(ctx, g.client.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.client.do(ctx, http.MethodGet, g.client.base.JoinPath("healthz").String(), nil, nil)
	})
	return err
}

// httpExchange speaks the RendezvousServer protocol.
type httpExchange struct {
	base   *url.URL
	client *http.Client
	retry  RetryConfig
}

func (x *httpExchange) roundURL(key roundKey, slots []int, suffix ...string) string {
	u := x.base.JoinPath(append([]string{"v1", "rounds", strconv.FormatUint(key.Seq, 10), "slots"}, suffix...)...)
	q := url.Values{}
	q.Set("name", key.Name)
	q.Set("kind", string(key.Kind))
	q.Set("size", strconv.Itoa(key.Size))
	q.Set("root", strconv.Itoa(key.Root))
	for _, s := range slots {
		q.Add("slot", strconv.Itoa(s))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (x *httpExchange) post(ctx context.Context, key roundKey, slot int, env Envelope) error {
	u := x.roundURL(key, nil, strconv.Itoa(slot))
	_, err := withRetry(ctx, x.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, x.do(ctx, http.MethodPost, u, env, nil)
	})
	return err
}

func (x *httpExchange) postAll(ctx context.Context, key roundKey, envs []Envelope) error {
	u := x.roundURL(key, nil)
	_, err := withRetry(ctx, x.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, x.do(ctx, http.MethodPost, u, envs, nil)
	})
	return err
}

func (x *httpExchange) await(ctx context.Context, key roundKey, slots []int) ([]Envelope, error) {
	u := x.roundURL(key, slots)
	return withRetry(ctx, x.retry, func(ctx context.Context) ([]Envelope, error) {
		var envs []Envelope
		if err := x.do(ctx, http.MethodGet, u, nil, &envs); err != nil {
			return nil, err
		}
		return envs, nil
	})
}

// do sends one JSON request and decodes the JSON response into out.
func (x *httpExchange) do(ctx context.Context, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		if eb.Error == "" {
			eb.Error = resp.Status
		}
		switch {
		case resp.StatusCode == http.StatusConflict || eb.Mismatch:
			return fmt.Errorf("%w: %s", ErrParticipationMismatch, eb.Error)
		case resp.StatusCode == http.StatusGone:
			return fmt.Errorf("%w: %s", ErrGroupClosed, eb.Error)
		case resp.StatusCode == http.StatusBadGateway,
			resp.StatusCode == http.StatusServiceUnavailable,
			resp.StatusCode == http.StatusGatewayTimeout:
			return &transientError{err: fmt.Errorf("rendezvous %s %s: %s", method, u, eb.Error)}
		default:
			return fmt.Errorf("rendezvous %s %s: %d: %s", method, u, resp.StatusCode, eb.Error)
		}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
