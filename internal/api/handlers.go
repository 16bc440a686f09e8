package api

import (
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/fentz26/xqserver/internal/audit"
	"github.com/fentz26/xqserver/internal/auth"
	"github.com/fentz26/xqserver/internal/broker"
	"github.com/fentz26/xqserver/internal/engine"
	"github.com/fentz26/xqserver/internal/models"
)

// AllLibraries is the library parameter selecting every library of the
// group in a backup.
const AllLibraries = "*"

// command runs fn after parsing parameters and answers its error, if any.
func (s *Server) command(fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.parseForm(w, r)
		if err == nil {
			err = fn(w, r)
		}
		if err != nil {
			s.writeError(w, r, err)
		}
	}
}

// record audits an administrative operation.
func (s *Server) record(r *http.Request, action, library string, inputs interface{}, err error) {
	e := audit.Entry{
		Action:  action,
		Library: library,
		Inputs:  inputs,
		Outcome: models.OutcomeOK,
	}
	if p := auth.FromContext(r.Context()); p != nil {
		e.User = p.Name()
	}
	if err != nil {
		e.Outcome = models.OutcomeFailed
		if broker.Classify(err).Kind == broker.KindUnauthorized {
			e.Outcome = models.OutcomeDenied
		}
		e.Details = err.Error()
	}
	s.audit.Record(r.Context(), e)
}

func (s *Server) handleMkLib(w http.ResponseWriter, r *http.Request) {
	s.command(func(w http.ResponseWriter, r *http.Request) error {
		name := r.FormValue("name")
		err := s.broker.CheckAdmin(auth.User(r.Context()))
		if err == nil {
			err = s.broker.CreateLibrary(r.Context(), name)
		}
		s.record(r, "mklib", name, map[string]string{"name": name}, err)
		if err != nil {
			return err
		}
		writeText(w, name+"\n")
		return nil
	})(w, r)
}

func (s *Server) handleDelLib(w http.ResponseWriter, r *http.Request) {
	s.command(func(w http.ResponseWriter, r *http.Request) error {
		name := r.FormValue("name")
		err := s.broker.CheckAdmin(auth.User(r.Context()))
		if err == nil {
			_, err = s.broker.DeleteLibrary(r.Context(), name)
		}
		s.record(r, "dellib", name, map[string]string{"name": name}, err)
		if err != nil {
			return err
		}
		writeText(w, name+"\n")
		return nil
	})(w, r)
}

func (s *Server) handleSetIndexing(w http.ResponseWriter, r *http.Request) {
	s.command(func(w http.ResponseWriter, r *http.Request) error {
		library := r.FormValue("library")
		spec, ok, err := param(r, "indexing")
		if err != nil {
			return err
		}
		if !ok || strings.TrimSpace(spec) == "" {
			return broker.Errorf(broker.KindBadRequest, "no specification in parameter 'indexing'")
		}
		err = s.setIndexing(r, library, spec)
		s.record(r, "setindexing", library, map[string]string{"library": library, "indexing": spec}, err)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		return nil
	})(w, r)
}

func (s *Server) setIndexing(r *http.Request, library, spec string) error {
	ctx := r.Context()
	user := auth.User(ctx)
	if err := s.broker.CheckAdmin(user); err != nil {
		return err
	}
	lib, err := s.sessions.Acquire(ctx, library, user)
	if err != nil {
		return err
	}
	defer s.sessions.Release(ctx, lib)
	ix, err := engine.ParseIndexing(strings.NewReader(spec))
	if err != nil {
		return broker.Classify(err)
	}
	if err := lib.SetIndexing(ctx, ix); err != nil {
		return broker.Classify(err)
	}
	return nil
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	s.command(func(w http.ResponseWriter, r *http.Request) error {
		ctx := r.Context()
		library := r.FormValue("library")
		user := auth.User(ctx)
		err := s.broker.CheckAdmin(user)
		var lib engine.Library
		if err == nil {
			lib, err = s.sessions.Acquire(ctx, library, user)
		}
		if err != nil {
			s.record(r, "reindex", library, map[string]string{"library": library}, err)
			return err
		}
		a := s.broker.Submit(ctx, broker.ActionReindex, lib, "")
		s.record(r, "reindex", lib.Name(), map[string]string{"library": library, "action": a.ID()}, nil)
		writeText(w, a.ID()+"\n")
		return nil
	})(w, r)
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	s.command(func(w http.ResponseWriter, r *http.Request) error {
		library := r.FormValue("library")
		inputs := map[string]string{"library": library, "path": r.FormValue("path")}
		a, err := s.backup(r, library)
		if err != nil {
			s.record(r, "backup", library, inputs, err)
			return err
		}
		inputs["action"] = a.ID()
		s.record(r, "backup", library, inputs, nil)
		writeText(w, a.ID()+"\n")
		return nil
	})(w, r)
}

func (s *Server) backup(r *http.Request, library string) (*broker.Action, error) {
	ctx := r.Context()
	user := auth.User(ctx)
	location, err := requiredParam(r, "path")
	if err != nil {
		return nil, err
	}
	location = filepath.Clean(location)
	if err := s.broker.CheckAdmin(user); err != nil {
		return nil, err
	}
	if library == AllLibraries {
		if _, err := s.broker.RequireEngine(); err != nil {
			return nil, err
		}
		return s.broker.Submit(ctx, broker.ActionBackupAll, nil, location), nil
	}
	lib, err := s.sessions.Acquire(ctx, library, user)
	if err != nil {
		return nil, err
	}
	return s.broker.Submit(ctx, broker.ActionBackupOne, lib, location), nil
}

func (s *Server) handleListLib(w http.ResponseWriter, r *http.Request) {
	s.command(func(w http.ResponseWriter, r *http.Request) error {
		names, err := s.broker.LibraryNames(r.Context())
		if err != nil {
			return err
		}
		var b strings.Builder
		for _, n := range names {
			b.WriteString(n)
			b.WriteByte('\n')
		}
		writeText(w, b.String())
		return nil
	})(w, r)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	s.command(func(w http.ResponseWriter, r *http.Request) error {
		id := mux.Vars(r)["id"]
		if id == "" {
			id = r.FormValue("id")
		}
		if id == "" {
			return broker.Errorf(broker.KindBadRequest, "missing parameter 'id'")
		}
		progress, err := s.broker.Progress(id)
		if err != nil {
			return err
		}
		writeText(w, progress)
		return nil
	})(w, r)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.CheckAdmin(auth.User(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, s.broker.Actions())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.command(func(w http.ResponseWriter, r *http.Request) error {
		id, err := requiredParam(r, "id")
		if err != nil {
			return err
		}
		err = s.broker.CheckAdmin(auth.User(r.Context()))
		if err == nil {
			err = s.broker.CancelAction(id)
		}
		s.record(r, "cancel", "", map[string]string{"id": id}, err)
		if err != nil {
			return err
		}
		writeText(w, id+"\n")
		return nil
	})(w, r)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	s.command(func(w http.ResponseWriter, r *http.Request) error {
		err := s.broker.CheckAdmin(auth.User(r.Context()))
		if err == nil {
			err = s.broker.Reload(r.Context())
		}
		s.record(r, "reload", "", nil, err)
		if err != nil {
			return err
		}
		writeText(w, "reloaded\n")
		return nil
	})(w, r)
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	info := models.ServerInfo{
		Name:    s.broker.ServerName(),
		Version: s.version,
		Running: s.broker.Running(),
		Actions: len(s.broker.Actions()),
	}
	if info.Running {
		names, err := s.broker.LibraryNames(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		info.Libraries = names
	}
	if limit := s.broker.PostLimit(); limit > 0 {
		info.PostLimit = humanize.IBytes(uint64(limit))
	}
	writeJSON(w, info)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	s.command(func(w http.ResponseWriter, r *http.Request) error {
		if err := s.broker.CheckAdmin(auth.User(r.Context())); err != nil {
			return err
		}
		if s.audit == nil {
			return broker.Errorf(broker.KindBadRequest, "audit trail is disabled")
		}
		f := models.AuditFilter{
			Action:  r.FormValue("action"),
			Library: r.FormValue("library"),
		}
		if v := r.FormValue("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return broker.Errorf(broker.KindBadRequest, "invalid value for parameter 'limit': %s", v)
			}
			f.Limit = n
		}
		records, err := s.audit.List(r.Context(), f)
		if err != nil {
			return broker.WrapKind(broker.KindServer, err)
		}
		if records == nil {
			records = []models.AuditRecord{}
		}
		writeJSON(w, records)
		return nil
	})(w, r)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.xqsp.List(r.Context())
	if err != nil {
		s.writeError(w, r, broker.WrapKind(broker.KindServer, err))
		return
	}
	var b strings.Builder
	for _, p := range scripts {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	writeText(w, b.String())
}

func (s *Server) handleXQSP(w http.ResponseWriter, r *http.Request) {
	script := strings.TrimPrefix(r.URL.Path, "/xqsp/")
	if err := s.parseForm(w, r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.xqsp.Serve(w, r, script); err != nil {
		s.writeError(w, r, err)
	}
}
