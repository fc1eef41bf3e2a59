package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/chronicle/internal/command"
	ctxasm "github.com/nidhogg/chronicle/internal/context"
	"github.com/nidhogg/chronicle/internal/memory"
	"github.com/nidhogg/chronicle/internal/provider"
	"github.com/nidhogg/chronicle/internal/session"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	registry  *session.Registry
	generator session.Generator
	providers *provider.Router
	commands  *command.Registry
	logger    *zap.Logger
}

// NewHandler creates a new API handler. generator, providers and commands
// may be nil; turns are then rejected, the provider list is empty and
// slash commands are treated as plain input.
func NewHandler(
	registry *session.Registry,
	generator session.Generator,
	providers *provider.Router,
	commands *command.Registry,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry:  registry,
		generator: generator,
		providers: providers,
		commands:  commands,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/providers", h.listProviders)
		r.Get("/sessions", h.listSessions)

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/", h.initSession)
			r.Get("/", h.sessionStats)
			r.Get("/stats", h.sessionStats)
			r.Delete("/", h.discardSession)
			r.Put("/world", h.updateWorld)
			r.Get("/log", h.sessionLog)
			r.Post("/messages", h.addMessage)
			r.Post("/turns", h.runTurn)
			r.Post("/commands", h.runCommand)
			r.Get("/context", h.previewContext)
			r.Get("/memories", h.queryMemories)
			r.Post("/memories", h.addMemory)
			r.Get("/memories/{memoryID}", h.getMemory)
			r.Get("/characters/{name}", h.characterContext)
			r.Post("/compact", h.compact)
			r.Post("/save", h.save)
		})
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(h.registry.List()),
	})
}

type providerView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	out := []providerView{}
	if h.providers != nil {
		for _, p := range h.providers.ListProviders() {
			out = append(out, providerView{ID: p.ID(), Name: p.Name()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	persisted, err := h.registry.Persisted(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if persisted == nil {
		persisted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"live":      h.registry.List(),
		"persisted": persisted,
	})
}

func (h *Handler) initSession(w http.ResponseWriter, r *http.Request) {
	s, created, err := h.registry.Init(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, s.Stats())
}

// session resolves the {id} route parameter to a live session, writing a
// 404 when it is not loaded.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	s, ok := h.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found: "+id)
	}
	return s, ok
}

func (h *Handler) sessionStats(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Stats())
}

func (h *Handler) discardSession(w http.ResponseWriter, r *http.Request) {
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purge"))
	if err := h.registry.Discard(r.Context(), chi.URLParam(r, "id"), purge); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type worldRequest struct {
	SystemPrompt    *string           `json:"system_prompt"`
	WorldState      *string           `json:"world_state"`
	Participants    []string          `json:"participants"`
	CharacterSheets map[string]string `json:"character_sheets"` // empty value removes a sheet
}

func (h *Handler) updateWorld(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req worldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SystemPrompt != nil {
		s.SetSystemPrompt(*req.SystemPrompt)
	}
	if req.WorldState != nil {
		s.SetWorldState(*req.WorldState)
	}
	if req.Participants != nil {
		s.SetParticipants(req.Participants...)
	}
	for name, sheet := range req.CharacterSheets {
		s.SetCharacterSheet(name, sheet)
	}
	writeJSON(w, http.StatusOK, s.Stats())
}

func (h *Handler) sessionLog(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	log := s.Log()
	if log == nil {
		log = []memory.MessageEntry{}
	}
	writeJSON(w, http.StatusOK, log)
}

type messageRequest struct {
	Role         string   `json:"role"`
	Content      string   `json:"content"`
	Importance   *float64 `json:"importance"`
	Participants []string `json:"participants"`
	Emotions     []string `json:"emotions"`
	Retain       bool     `json:"retain"`
}

func (r messageRequest) options() []session.MessageOption {
	var opts []session.MessageOption
	if r.Importance != nil {
		opts = append(opts, session.WithImportance(*r.Importance))
	}
	if len(r.Participants) > 0 {
		opts = append(opts, session.WithParticipants(r.Participants...))
	}
	if len(r.Emotions) > 0 {
		opts = append(opts, session.WithMessageEmotions(r.Emotions...))
	}
	if r.Retain {
		opts = append(opts, session.Retain())
	}
	return opts
}

func (h *Handler) addMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role == "" {
		req.Role = provider.RoleUser
	}
	entry, err := s.AddMessage(r.Context(), req.Role, req.Content, req.options()...)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type turnResponse struct {
	Input      memory.MessageEntry `json:"input"`
	Reply      memory.MessageEntry `json:"reply"`
	Tokens     int                 `json:"context_tokens"`
	Budget     int                 `json:"budget"`
	Spilled    int                 `json:"spilled"`
	Compacting bool                `json:"compacting"`
}

func (h *Handler) runTurn(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.commands != nil && command.IsCommand(req.Content) {
		h.dispatch(w, r, s, req.Content)
		return
	}
	if h.generator == nil {
		writeError(w, http.StatusServiceUnavailable, "no generator configured")
		return
	}
	res, err := s.Turn(r.Context(), h.generator, req.Content, req.options()...)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{
		Input:      res.Input,
		Reply:      res.Reply,
		Tokens:     res.Payload.TotalTokens,
		Budget:     res.Payload.Budget.MaxTokens,
		Spilled:    len(res.Payload.Spilled),
		Compacting: res.Compacting,
	})
}

type commandRequest struct {
	Input string `json:"input"`
}

func (h *Handler) runCommand(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.commands == nil {
		writeError(w, http.StatusServiceUnavailable, "commands are not enabled")
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !command.IsCommand(req.Input) {
		writeError(w, http.StatusBadRequest, "input must start with /")
		return
	}
	h.dispatch(w, r, s, req.Input)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, s *session.Session, input string) {
	res, err := h.commands.Dispatch(r.Context(), input, &command.Context{Session: s, Sessions: h.registry})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"command": true, "result": res})
}

type segmentView struct {
	Name   ctxasm.SegmentName `json:"name"`
	Items  int                `json:"items"`
	Tokens int                `json:"tokens"`
}

type contextResponse struct {
	TotalTokens int           `json:"total_tokens"`
	Budget      int           `json:"budget"`
	Segments    []segmentView `json:"segments"`
	Spilled     []string      `json:"spilled"`
	Text        string        `json:"text,omitempty"`
}

// previewContext assembles the context the next turn would see. Spilling
// happens as in a real turn; memory access times are left alone.
func (h *Handler) previewContext(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	p, err := s.BuildContext(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := contextResponse{
		TotalTokens: p.TotalTokens,
		Budget:      p.Budget.MaxTokens,
		Segments:    make([]segmentView, 0, len(p.Segments)),
		Spilled:     make([]string, 0, len(p.Spilled)),
	}
	for _, seg := range p.Segments {
		resp.Segments = append(resp.Segments, segmentView{Name: seg.Name, Items: len(seg.Items), Tokens: seg.Tokens()})
	}
	for _, e := range p.Spilled {
		resp.Spilled = append(resp.Spilled, e.ID)
	}
	if full, _ := strconv.ParseBool(r.URL.Query().Get("full")); full {
		resp.Text = p.Text()
	}
	writeJSON(w, http.StatusOK, resp)
}

// filterFromQuery reads a memory filter from query parameters. Repeated
// participant, tag and emotion parameters accumulate.
func filterFromQuery(r *http.Request) (memory.Filter, error) {
	q := r.URL.Query()
	f := memory.Filter{
		Participants: q["participant"],
		Tags:         q["tag"],
		Emotions:     q["emotion"],
		Query:        q.Get("q"),
		Kind:         memory.Kind(q.Get("kind")),
	}
	if f.Kind != "" && f.Kind != memory.KindRaw && f.Kind != memory.KindSummary {
		return f, errors.New("kind must be raw or summary")
	}
	if v := q.Get("exclude_global"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("exclude_global must be a boolean")
		}
		f.ExcludeGlobal = b
	}
	if v := q.Get("min_importance"); v != "" {
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return f, errors.New("min_importance must be a number")
		}
		f.MinImportance = x
	}
	if v := q.Get("max_age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return f, errors.New("max_age must be a duration")
		}
		f.MaxAge = d
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (h *Handler) queryMemories(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var recs []memory.Record
	if touch, _ := strconv.ParseBool(r.URL.Query().Get("touch")); touch {
		recs = s.Store().Retrieve(f)
	} else {
		recs = s.Store().Query(f)
	}
	if recs == nil {
		recs = []memory.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type memoryRequest struct {
	Content      string   `json:"content"`
	Participants []string `json:"participants"`
	Importance   float64  `json:"importance"`
	Emotions     []string `json:"emotions"`
	Tags         []string `json:"tags"`
}

func (h *Handler) addMemory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req memoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var opts []memory.AddOption
	if len(req.Emotions) > 0 {
		opts = append(opts, memory.WithEmotions(req.Emotions...))
	}
	if len(req.Tags) > 0 {
		opts = append(opts, memory.WithTags(req.Tags...))
	}
	rec, err := s.AddMemory(r.Context(), req.Content, req.Participants, req.Importance, opts...)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	rec, err := s.Store().Get(chi.URLParam(r, "memoryID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) characterContext(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	memories, _ := strconv.Atoi(q.Get("memories"))
	mentions, _ := strconv.Atoi(q.Get("mentions"))
	writeJSON(w, http.StatusOK, s.CharacterContext(chi.URLParam(r, "name"), memories, mentions))
}

func (h *Handler) compact(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	res, err := s.Compact(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Save(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "session": id})
}

// fail maps domain errors onto HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, memory.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound), errors.Is(err, memory.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ctxasm.ErrBudgetExceeded):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrNoCompactor):
		status = http.StatusServiceUnavailable
	case errors.Is(err, provider.ErrNoProvider), errors.Is(err, session.ErrGenerate):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
