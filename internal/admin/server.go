// Package admin serves the management surface consumed by remote plan and
// migrate tooling: the target map, reality checks, and table adoption.
package admin

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/514-labs/moosestack-sub001/internal/config"
	"github.com/514-labs/moosestack-sub001/internal/devloop"
	"github.com/514-labs/moosestack-sub001/internal/diff"
	"github.com/514-labs/moosestack-sub001/internal/infra"
	"github.com/514-labs/moosestack-sub001/internal/olap"
	"github.com/514-labs/moosestack-sub001/internal/reconcile"
	"github.com/514-labs/moosestack-sub001/internal/state"
)

const contentTypeProtobuf = "application/protobuf"

// Server is the management-port HTTP surface.
type Server struct {
	Cfg     *config.Project
	Log     *zap.Logger
	Storage state.Storage
	Client  olap.Client
	// Live returns the current target map; in dev this is the loop's live
	// map, in prod the map applied at boot.
	Live func() *infra.Map
	// Coord serializes introspection against reloads; optional.
	Coord *devloop.Coordinator
}

// Handler builds the chi router with auth and request logging.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Get("/inframap", s.handleInfraMap)
		r.Get("/reality-check", s.handleRealityCheck)
		r.Post("/integrate-changes", s.handleIntegrateChanges)
		r.Post("/plan", s.handleLegacyPlan)
	})
	return r
}

// Serve blocks on the management port.
func (s *Server) Serve() error {
	addr := fmt.Sprintf(":%d", s.Cfg.HTTP.ManagementPort)
	s.Log.Info("management server listening", zap.String("addr", addr))
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return srv.ListenAndServe()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := uuid.NewString()
		next.ServeHTTP(w, r)
		s.Log.Debug("admin request",
			zap.String("id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// bearerAuth checks the token against MOOSE_ADMIN_TOKEN (raw) or the
// config's admin_token_hash (sha256). With neither configured the surface
// stays open for local development.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envToken := os.Getenv("MOOSE_ADMIN_TOKEN")
		hash := s.Cfg.AdminTokenHash
		if envToken == "" && hash == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !tokenMatches(presented, envToken, hash) {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenMatches(presented, envToken, hash string) bool {
	if envToken != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(envToken)) == 1 {
		return true
	}
	if hash != "" {
		sum := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(strings.ToLower(hash))) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInfraMap returns the target map, protobuf when the client asks for
// it, JSON otherwise.
func (s *Server) handleInfraMap(w http.ResponseWriter, r *http.Request) {
	m := s.Live()
	if m == nil {
		writeError(w, http.StatusServiceUnavailable, "Map unavailable", "the target map has not been loaded yet")
		return
	}
	if strings.Contains(r.Header.Get("Accept"), contentTypeProtobuf) {
		data, err := m.ToProto()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Could not encode map", err.Error())
			return
		}
		w.Header().Set("Content-Type", contentTypeProtobuf)
		_, _ = w.Write(data)
		return
	}
	data, err := m.ToJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not encode map", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// RealityCheckResponse is the wire form of reconcile.Discrepancies.
type RealityCheckResponse struct {
	MissingTables    []string          `json:"missing_tables"`
	UnmappedTables   []string          `json:"unmapped_tables"`
	MismatchedTables []MismatchedTable `json:"mismatched_tables"`
}

// MismatchedTable names one table whose live structure diverges, with the
// human-readable reasons.
type MismatchedTable struct {
	TableID string   `json:"table_id"`
	Reasons []string `json:"reasons"`
}

func (s *Server) handleRealityCheck(w http.ResponseWriter, r *http.Request) {
	_, disc, err := s.reconcileAgainstLive(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Reality check failed", err.Error())
		return
	}
	resp := RealityCheckResponse{
		MissingTables:    disc.MissingTables,
		UnmappedTables:   disc.UnmappedTables,
		MismatchedTables: make([]MismatchedTable, 0, len(disc.MismatchedTables)),
	}
	if resp.MissingTables == nil {
		resp.MissingTables = []string{}
	}
	if resp.UnmappedTables == nil {
		resp.UnmappedTables = []string{}
	}
	for _, m := range disc.MismatchedTables {
		resp.MismatchedTables = append(resp.MismatchedTables, MismatchedTable{m.TableID, m.Reasons})
	}
	writeJSON(w, http.StatusOK, resp)
}

// IntegrateRequest names the tables to adopt.
type IntegrateRequest struct {
	Tables []string `json:"tables"`
}

// IntegrateResponse lists adopted table IDs and, per skipped name, why.
type IntegrateResponse struct {
	Integrated []string          `json:"integrated"`
	Skipped    map[string]string `json:"skipped"`
}

// handleIntegrateChanges adopts live tables whose structure matches the
// target map, persisting them as FullyManaged. Tables that differ are
// skipped with the reason.
func (s *Server) handleIntegrateChanges(w http.ResponseWriter, r *http.Request) {
	var req IntegrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	reconciled, disc, err := s.reconcileAgainstLive(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Reality check failed", err.Error())
		return
	}
	mismatched := map[string][]string{}
	for _, m := range disc.MismatchedTables {
		mismatched[m.TableID] = m.Reasons
	}

	target := s.Live()
	resp := IntegrateResponse{Integrated: []string{}, Skipped: map[string]string{}}
	changed := false
	for _, name := range req.Tables {
		id := s.resolveTableID(target, name)
		if id == "" {
			resp.Skipped[name] = "not present in the target map"
			continue
		}
		if reasons, ok := mismatched[id]; ok {
			s.Log.Warn("skipping integrate for mismatched table",
				zap.String("table", id), zap.Strings("reasons", reasons))
			resp.Skipped[name] = "live structure differs: " + strings.Join(reasons, "; ")
			continue
		}
		t, ok := reconciled.Tables[id]
		if !ok {
			resp.Skipped[name] = "not present in the live database"
			continue
		}
		t.LifeCycle = infra.FullyManaged
		resp.Integrated = append(resp.Integrated, id)
		changed = true
	}
	if changed {
		if err := s.Storage.SaveMap(r.Context(), reconciled); err != nil {
			writeError(w, http.StatusInternalServerError, "Could not persist adopted tables", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLegacyPlan accepts a target map and answers with the change list.
// Kept for older clients that plan server-side.
func (s *Server) handleLegacyPlan(w http.ResponseWriter, r *http.Request) {
	var target *infra.Map
	var err error
	if strings.Contains(r.Header.Get("Content-Type"), contentTypeProtobuf) {
		var data []byte
		data, err = io.ReadAll(r.Body)
		if err == nil {
			target, err = infra.FromProto(data)
		}
	} else {
		err = json.NewDecoder(r.Body).Decode(&target)
	}
	if err != nil || target == nil {
		writeError(w, http.StatusBadRequest, "Invalid target map", fmt.Sprintf("%v", err))
		return
	}
	if target.DefaultDatabase == "" {
		target.DefaultDatabase = s.Cfg.ClickHouse.DBName
	}

	current, rerr := s.Storage.LoadMap(r.Context())
	if rerr != nil {
		writeError(w, http.StatusInternalServerError, "Could not load state", rerr.Error())
		return
	}
	if current == nil {
		current = infra.EmptyFromProject(s.Cfg)
	}
	changes, derr := diff.Diff(current, target, diff.Options{RespectLifeCycle: true})
	if derr != nil {
		writeError(w, http.StatusInternalServerError, "Could not compute plan", derr.Error())
		return
	}
	var described []string
	for _, c := range changes.Tables {
		described = append(described, c.Describe())
	}
	if described == nil {
		described = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": described})
}

// reconcileAgainstLive runs the reality check with the stored map as the
// candidate and the live target's table IDs as the adoption whitelist.
func (s *Server) reconcileAgainstLive(r *http.Request) (*infra.Map, *reconcile.Discrepancies, error) {
	target := s.Live()
	if target == nil {
		return nil, nil, fmt.Errorf("the target map has not been loaded yet")
	}
	stored, err := s.Storage.LoadMap(r.Context())
	if err != nil {
		return nil, nil, err
	}
	if stored == nil {
		stored = infra.EmptyFromProject(s.Cfg)
	}
	whitelist := make(map[string]struct{}, len(target.Tables))
	for id := range target.Tables {
		whitelist[id] = struct{}{}
	}

	var reconciled *infra.Map
	var disc *reconcile.Discrepancies
	run := func() error {
		reconciled, disc, err = reconcile.New(s.Client, s.Cfg, s.Log).Reconcile(r.Context(), stored, whitelist, target)
		return err
	}
	if s.Coord != nil {
		err = s.Coord.Shared(run)
	} else {
		err = run()
	}
	if err != nil {
		return nil, nil, err
	}
	return reconciled, disc, nil
}

// resolveTableID maps a user-supplied table name to the target map's ID.
func (s *Server) resolveTableID(target *infra.Map, name string) string {
	if _, ok := target.Tables[name]; ok {
		return name
	}
	for id, t := range target.Tables {
		if t.Name == name {
			return id
		}
	}
	return ""
}

type errorBody struct {
	Action  string `json:"action"`
	Details string `json:"details"`
}

func writeError(w http.ResponseWriter, status int, action, details string) {
	writeJSON(w, status, errorBody{Action: action, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
