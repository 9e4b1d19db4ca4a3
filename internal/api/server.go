// Package api is the HTTP façade: a chi router exposing the search
// endpoint plus the retained Google OAuth collaborator surface, built the
// way the teacher's server.go assembles its router (middleware stack,
// cors.Handler, chi route groups).
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/oauth2"

	"github.com/hnsearch/hnsearch/internal/answer"
	"github.com/hnsearch/hnsearch/internal/auth"
	"github.com/hnsearch/hnsearch/internal/embedder"
	"github.com/hnsearch/hnsearch/internal/ranker"
	"github.com/hnsearch/hnsearch/internal/storage"
	"github.com/hnsearch/hnsearch/internal/telemetry"
	"github.com/hnsearch/hnsearch/internal/vectorindex"
)

// DefaultTopK and MaxTopK bound the search endpoint's top_k parameter.
const (
	DefaultTopK = 10
	MaxTopK     = 50

	// topCommentsPerStory bounds how many comment texts feed answer
	// augmentation per hit, keeping the prompt within its token budget.
	topCommentsPerStory = 5
)

type Server struct {
	store     *storage.Store
	router    *chi.Mux
	auth      *auth.Config
	embedder  *embedder.Embedder
	index     *vectorindex.Index
	answer    *answer.Augmenter // nil disables answer augmentation
	telemetry *telemetry.Telemetry // nil disables counter updates
}

func NewServer(store *storage.Store, authCfg *auth.Config, emb *embedder.Embedder, idx *vectorindex.Index, aug *answer.Augmenter, tel *telemetry.Telemetry) *Server {
	s := &Server{
		store:     store,
		router:    chi.NewRouter(),
		auth:      authCfg,
		embedder:  emb,
		index:     idx,
		answer:    aug,
		telemetry: tel,
	}

	s.middlewares()
	s.routes()

	return s
}

func (s *Server) middlewares() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	allowedOrigins := []string{"http://localhost:5173", "https://hnsearch.dev"}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthCheck)

	s.router.Get("/api/search", s.handleSearch)
	s.router.Get("/api/stories/{id}", s.handleGetStoryDetails)

	s.router.Get("/auth/google", s.handleGoogleLogin)
	s.router.Get("/auth/google/callback", s.handleGoogleCallback)
	s.router.Get("/auth/logout", s.handleLogout)
	s.router.Get("/api/me", s.handleGetMe)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return r.Header.Get("X-Forwarded-Proto") == "https"
}

// searchResponse mirrors what a client needs to render ranked hits plus
// an optional LLM answer.
type searchResponse struct {
	Query   string          `json:"query"`
	Results []ranker.Ranked `json:"results"`
	Answer  string          `json:"answer,omitempty"`
}

// parseFilterAndSort reads spec §4.7's filter/sort_by query parameters
// (by, before, after, min_score, max_score, min_comments, max_comments,
// sort_by, sort_order) into a storage.FilterPredicate plus sort settings.
// Malformed numeric/time values are silently dropped rather than
// rejecting the whole search, matching the handler's existing top_k
// parsing style.
func parseFilterAndSort(q url.Values) (storage.FilterPredicate, storage.SortBy, storage.SortOrder) {
	var f storage.FilterPredicate
	f.By = q.Get("by")
	f.BeforeTime = parseIntPtr(q.Get("before"))
	f.AfterTime = parseIntPtr(q.Get("after"))
	f.MinScore = parseIntPtrInt(q.Get("min_score"))
	f.MaxScore = parseIntPtrInt(q.Get("max_score"))
	f.MinComments = parseIntPtrInt(q.Get("min_comments"))
	f.MaxComments = parseIntPtrInt(q.Get("max_comments"))

	sortBy := storage.SortBy(q.Get("sort_by"))
	switch sortBy {
	case storage.SortTime, storage.SortScore, storage.SortDescendants, storage.SortRelevance:
	default:
		sortBy = storage.SortRelevance
	}

	order := storage.SortOrder(q.Get("sort_order"))
	if order != storage.SortAsc {
		order = storage.SortDesc
	}

	return f, sortBy, order
}

func parseIntPtr(raw string) *int64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseIntPtrInt(raw string) *int {
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

// handleSearch embeds the query, probes the vector index, looks up story
// metadata for the hit set, and ranks it. top_k is clamped to [1, MaxTopK].
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		http.Error(w, "query parameter is required", http.StatusBadRequest)
		return
	}
	if s.embedder == nil {
		http.Error(w, "search is not configured", http.StatusServiceUnavailable)
		return
	}

	topK := DefaultTopK
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			topK = v
		}
	}
	if topK < 1 {
		topK = 1
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}

	vec, err := s.embedder.EmbedQuery(r.Context(), query)
	if err != nil {
		log.Printf("api: embed query failed: %v", err)
		http.Error(w, "failed to embed query", http.StatusInternalServerError)
		return
	}

	// Over-fetch from the index (which already dedups by story id) so that
	// enough candidates survive ranker.Rank dropping untitled stories and
	// applying filters before the result is cut to topK.
	hits, err := s.index.Search(vec, topK*4)
	if err != nil {
		log.Printf("api: vector search failed: %v", err)
		http.Error(w, "failed to search index", http.StatusInternalServerError)
		return
	}

	storyIDs := make([]int64, len(hits))
	for i, h := range hits {
		storyIDs[i] = h.StoryID
	}
	meta, err := s.store.StoryMetaByIDs(r.Context(), storyIDs)
	if err != nil {
		log.Printf("api: story metadata lookup failed: %v", err)
		http.Error(w, "failed to load story metadata", http.StatusInternalServerError)
		return
	}

	filter, sortBy, order := parseFilterAndSort(r.URL.Query())

	ranked, err := ranker.Rank(r.Context(), s.store, query, hits, meta, time.Now().Unix(), filter, sortBy, order)
	if err != nil {
		log.Printf("api: rank failed: %v", err)
		http.Error(w, "failed to rank results", http.StatusInternalServerError)
		return
	}
	if s.telemetry != nil {
		s.telemetry.SearchRequests.Inc()
	}
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	resp := searchResponse{Query: query, Results: ranked}
	if s.answer != nil && len(ranked) > 0 {
		hitsForAnswer := make([]answer.Hit, 0, len(ranked))
		for _, rk := range ranked {
			hit := answer.Hit{StoryID: rk.StoryID, Title: rk.Title}
			if comments, err := s.store.CommentSubtree(r.Context(), rk.StoryID); err != nil {
				log.Printf("api: comment lookup for story %d failed: %v", rk.StoryID, err)
			} else {
				hit.TopComments = answer.TopComments(comments, rk.StoryID, topCommentsPerStory)
			}
			hitsForAnswer = append(hitsForAnswer, hit)
		}
		if text, err := s.answer.Answer(r.Context(), query, hitsForAnswer); err != nil {
			log.Printf("api: answer augmentation failed: %v", err)
		} else {
			resp.Answer = text
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleGetStoryDetails(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid story id", http.StatusBadRequest)
		return
	}

	story, err := s.store.GetStory(r.Context(), id)
	if err != nil || story == nil {
		http.Error(w, "story not found", http.StatusNotFound)
		return
	}

	comments, err := s.store.CommentSubtree(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to fetch comments", http.StatusInternalServerError)
		return
	}

	response := struct {
		Story    *storage.StoryDoc       `json:"story"`
		Comments []storage.CommentNode   `json:"comments"`
	}{Story: story, Comments: comments}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ─── Auth handlers (retained collaborator surface) ───

func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	state := auth.GenerateStateToken()

	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
	})

	url := s.auth.OAuth2Config.AuthCodeURL(state, oauth2.AccessTypeOffline)
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie("oauth_state")
	if err != nil || stateCookie.Value != r.URL.Query().Get("state") {
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "oauth_state", Value: "", Path: "/", MaxAge: -1})

	code := r.URL.Query().Get("code")
	token, err := s.auth.OAuth2Config.Exchange(context.Background(), code)
	if err != nil {
		log.Printf("api: oauth exchange failed: %v", err)
		http.Error(w, "failed to exchange token", http.StatusInternalServerError)
		return
	}

	client := s.auth.OAuth2Config.Client(context.Background(), token)
	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		log.Printf("api: fetch userinfo failed: %v", err)
		http.Error(w, "failed to get user info", http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	var googleUser struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&googleUser); err != nil {
		http.Error(w, "failed to parse user info", http.StatusInternalServerError)
		return
	}

	user, err := s.store.UpsertAuthUser(r.Context(), googleUser.ID, googleUser.Email, googleUser.Name, googleUser.Picture)
	if err != nil {
		log.Printf("api: upsert auth user failed: %v", err)
		http.Error(w, "failed to save user", http.StatusInternalServerError)
		return
	}

	jwtToken, err := s.auth.GenerateToken(user.ID, user.Email)
	if err != nil {
		log.Printf("api: generate token failed: %v", err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}

	auth.SetSessionCookie(w, jwtToken, isSecureRequest(r))

	redirectURL := os.Getenv("FRONTEND_URL")
	if redirectURL == "" {
		redirectURL = "/"
	}
	http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w, isSecureRequest(r))
	redirectURL := os.Getenv("FRONTEND_URL")
	if redirectURL == "" {
		redirectURL = "/"
	}
	http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	userID := s.auth.GetUserIDFromRequest(r)
	if userID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "not authenticated"})
		return
	}

	user, err := s.store.GetAuthUser(r.Context(), userID)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "user not found"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}
